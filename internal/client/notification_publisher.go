package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/safee-analytics/be-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the platform notification service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: request_submitted, approval_required, request_approved,
//              request_rejected, request_cancelled, step_delegated
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt
// approval operations.
type NotificationPublisher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType      string                 `json:"event_type"`
	OrganizationID string                 `json:"organization_id"`
	ActorID        string                 `json:"actor_id"`
	Recipients     []string               `json:"recipients"`
	ResourceType   string                 `json:"resource_type,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	EntityType     string                 `json:"entity_type,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	IsActionable   bool                   `json:"is_actionable,omitempty"`
	Severity       string                 `json:"severity,omitempty"`
	Category       string                 `json:"category,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client yields a publisher that drops everything, which keeps
// local development working without a broker.
func NewNotificationPublisher(nats *NATSClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishApprovalEvent publishes an approval transition event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(
	ctx context.Context,
	eventType string,
	req *repository.ApprovalRequest,
	actorID string,
	recipients []string,
	payload map[string]interface{},
) {
	if p.nats == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:      eventType,
		OrganizationID: req.OrganizationID,
		ActorID:        actorID,
		Recipients:     recipients,
		ResourceType:   "approval_request",
		ResourceID:     req.ID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		IsActionable:   true,
		Severity:       "info",
		Category:       "approvals",
		Payload:        payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
