package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/database"
)

// AuditRepository appends and reads immutable transition records. The table
// has a delete-prevention trigger, so Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit event.
func (r *AuditRepository) Append(ctx context.Context, event *AuditEvent) error {
	event.ID = uuid.NewString()

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, organization_id, entity_type, entity_id,
		     request_id, step_id, action, actor_id,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11)
		RETURNING occurred_at
	`

	return r.db.QueryRow(ctx, query,
		event.ID,
		event.OrganizationID,
		event.EntityType,
		event.EntityID,
		event.RequestID,
		event.StepID,
		event.Action,
		event.ActorID,
		event.StatusBefore,
		event.StatusAfter,
		metadataJSON,
	).Scan(&event.OccurredAt)
}

// GetByEntity returns the full audit trail for an entity, oldest first.
func (r *AuditRepository) GetByEntity(ctx context.Context, organizationID, entityType, entityID string) ([]*AuditEvent, error) {
	query := `
		SELECT id, organization_id, entity_type, entity_id,
		       request_id, step_id, action, actor_id,
		       status_before, status_after, metadata, occurred_at
		FROM approval_audit_log
		WHERE organization_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY occurred_at ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, entityType, entityID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByRequestID returns all audit events for a specific request.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEvent, error) {
	query := `
		SELECT id, organization_id, entity_type, entity_id,
		       request_id, step_id, action, actor_id,
		       status_before, status_after, metadata, occurred_at
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY occurred_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get request audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		event := &AuditEvent{}
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.OrganizationID,
			&event.EntityType,
			&event.EntityID,
			&event.RequestID,
			&event.StepID,
			&event.Action,
			&event.ActorID,
			&event.StatusBefore,
			&event.StatusAfter,
			&metadataJSON,
			&event.OccurredAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit event")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		events = append(events, event)
	}
	return events, nil
}
