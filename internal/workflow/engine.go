package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
)

// WorkflowStore loads workflow templates.
type WorkflowStore interface {
	GetByID(ctx context.Context, id, organizationID string) (*repository.ApprovalWorkflow, error)
}

// RequestStore persists request instances and their steps. Implemented by
// repository.RequestRepository; faked in tests.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetPendingByEntity(ctx context.Context, organizationID, entityType, entityID string) (*repository.ApprovalRequest, error)
	Finalize(ctx context.Context, id, status string, completedAt time.Time) error
	AdvanceOrder(ctx context.Context, id string, nextOrder int) error
	GetStepByID(ctx context.Context, id string) (*repository.ApprovalStep, error)
	GetSteps(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error)
	GetStepGroup(ctx context.Context, requestID string, stepOrder int) ([]*repository.ApprovalStep, error)
	GetPendingForUser(ctx context.Context, organizationID, userID string) ([]*repository.ApprovalStep, error)
	ResolveStep(ctx context.Context, id, status, actedBy string, comments *string) error
	DelegateStep(ctx context.Context, id, delegatedTo, reason string) error
}

// AuditRecorder appends immutable transition records.
type AuditRecorder interface {
	Append(ctx context.Context, event *repository.AuditEvent) error
}

// IdentityClient resolves approver user IDs from the platform identity service.
type IdentityClient interface {
	// GetUsersWithRole returns user IDs holding a role within an organization.
	GetUsersWithRole(ctx context.Context, organizationID, role string) ([]string, error)
	// GetTeamMembers returns user IDs belonging to a team.
	GetTeamMembers(ctx context.Context, organizationID, teamID string) ([]string, error)
}

// Notifier is informed of request transitions. Implementations must be
// non-fatal: a delivery failure never interrupts an approval operation.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string, recipients []string, payload map[string]interface{})
}

// Notification event types.
const (
	EventSubmitted        = "request_submitted"
	EventApprovalRequired = "approval_required"
	EventApproved         = "request_approved"
	EventRejected         = "request_rejected"
	EventCancelled        = "request_cancelled"
	EventDelegated        = "step_delegated"
)

// groupOutcome is the resolution state of one step group.
type groupOutcome int

const (
	groupPending groupOutcome = iota
	groupSatisfied
	groupFailed
)

// Engine is the approval request state machine. It instantiates requests
// from matched rules and advances them through ordered step groups.
type Engine struct {
	resolver  *RuleResolver
	workflows WorkflowStore
	requests  RequestStore
	audit     AuditRecorder
	identity  IdentityClient
	notifier  Notifier
	log       zerolog.Logger
}

// NewEngine creates a new approval Engine.
func NewEngine(
	resolver *RuleResolver,
	workflows WorkflowStore,
	requests RequestStore,
	audit AuditRecorder,
	identity IdentityClient,
	notifier Notifier,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		resolver:  resolver,
		workflows: workflows,
		requests:  requests,
		audit:     audit,
		identity:  identity,
		notifier:  notifier,
		log:       log,
	}
}

// ── Request instantiation ─────────────────────────────────────────────────────

// SubmitForApproval evaluates rules for an entity mutation and, when a rule
// matches, instantiates a request with one step per approver per workflow
// step group. Returns (nil, nil) when no rule matches: the entity proceeds
// unapproved. A second submission while a request is pending is rejected
// with Conflict, never duplicated.
func (e *Engine) SubmitForApproval(
	ctx context.Context,
	organizationID, entityType, entityID string,
	attrs map[string]interface{},
	submittedBy string,
) (*repository.ApprovalRequest, error) {
	existing, err := e.requests.GetPendingByEntity(ctx, organizationID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.Conflict("entity already has a pending approval request")
	}

	rule, err := e.resolver.Resolve(ctx, organizationID, entityType, attrs)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		e.log.Debug().
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Msg("No approval rule matched; entity proceeds unapproved")
		return nil, nil
	}

	wf, err := e.workflows.GetByID(ctx, rule.WorkflowID, organizationID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, apperrors.InvalidInput("workflow", "matched workflow is inactive")
	}
	if err := ValidateSteps(wf.Steps); err != nil {
		return nil, err
	}

	steps, err := e.buildSteps(ctx, organizationID, wf.Steps)
	if err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		OrganizationID: organizationID,
		WorkflowID:     wf.ID,
		EntityType:     entityType,
		EntityID:       entityID,
		Status:         repository.RequestStatusPending,
		CurrentOrder:   1,
		TotalOrders:    wf.Steps[len(wf.Steps)-1].StepOrder,
		SubmittedBy:    submittedBy,
	}

	if err := e.requests.Create(ctx, req, steps); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("workflow_id", wf.ID).
		Int("total_steps", len(steps)).
		Msg("Approval request created")

	e.appendAudit(ctx, &repository.AuditEvent{
		OrganizationID: organizationID,
		EntityType:     entityType,
		EntityID:       entityID,
		RequestID:      &req.ID,
		Action:         "submitted",
		ActorID:        submittedBy,
		StatusAfter:    strPtr(repository.RequestStatusPending),
		Metadata: map[string]interface{}{
			"rule_id":     rule.ID,
			"workflow_id": wf.ID,
		},
	})

	e.notifier.PublishApprovalEvent(ctx, EventSubmitted, req, submittedBy, []string{submittedBy}, nil)
	e.notifyGroup(ctx, req, steps, 1)

	return req, nil
}

// buildSteps expands workflow step templates into one ApprovalStep per
// approver. Role and team approvers are resolved through the identity
// service; a step whose approver set resolves empty is a configuration
// error, not a silently skippable group.
func (e *Engine) buildSteps(
	ctx context.Context,
	organizationID string,
	defs []*repository.ApprovalWorkflowStep,
) ([]*repository.ApprovalStep, error) {
	var steps []*repository.ApprovalStep

	for _, def := range defs {
		approvers, err := e.resolveApprovers(ctx, organizationID, def)
		if err != nil {
			return nil, err
		}
		if len(approvers) == 0 {
			return nil, apperrors.InvalidInput("approvers",
				fmt.Sprintf("no approvers resolved for step %d", def.StepOrder))
		}

		switch def.StepType {
		case repository.StepTypeSingle:
			// Exactly one responsible approver; first resolved user wins.
			approvers = approvers[:1]
		case repository.StepTypeParallel:
			if def.RequiredApprovers > 0 && len(approvers) > def.RequiredApprovers {
				approvers = approvers[:def.RequiredApprovers]
			}
			if def.MinApprovals > len(approvers) {
				return nil, apperrors.InvalidInput("min_approvals",
					fmt.Sprintf("step %d requires %d approvals but only %d approvers resolved",
						def.StepOrder, def.MinApprovals, len(approvers)))
			}
		case repository.StepTypeAny:
			// Whole approver set gets a slot; one approval suffices.
		default:
			return nil, apperrors.InvalidInput("step_type", "unsupported step type: "+def.StepType)
		}

		minApprovals := def.MinApprovals
		if minApprovals < 1 {
			minApprovals = 1
		}

		for _, approver := range approvers {
			steps = append(steps, &repository.ApprovalStep{
				StepOrder:    def.StepOrder,
				StepType:     def.StepType,
				MinApprovals: minApprovals,
				GroupSize:    len(approvers),
				ApproverID:   approver,
				Status:       repository.StepStatusPending,
			})
		}
	}
	return steps, nil
}

func (e *Engine) resolveApprovers(ctx context.Context, organizationID string, def *repository.ApprovalWorkflowStep) ([]string, error) {
	switch def.ApproverType {
	case repository.ApproverTypeUser:
		return []string{def.ApproverRef}, nil
	case repository.ApproverTypeRole:
		return e.identity.GetUsersWithRole(ctx, organizationID, def.ApproverRef)
	case repository.ApproverTypeTeam:
		return e.identity.GetTeamMembers(ctx, organizationID, def.ApproverRef)
	}
	return nil, apperrors.InvalidInput("approver_type", "unsupported approver type: "+def.ApproverType)
}

// ── Step actions ──────────────────────────────────────────────────────────────

// ApproveStep records an approval on a step and advances the request when the
// current step group is satisfied.
func (e *Engine) ApproveStep(ctx context.Context, requestID, stepID, actorID string, comments *string) (*repository.ApprovalRequest, error) {
	return e.resolveStep(ctx, requestID, stepID, actorID, repository.StepStatusApproved, comments)
}

// RejectStep records a rejection on a step. The request is rejected as soon
// as the current group's outcome becomes unfavorable; latent step groups are
// never activated.
func (e *Engine) RejectStep(ctx context.Context, requestID, stepID, actorID string, comments *string) (*repository.ApprovalRequest, error) {
	return e.resolveStep(ctx, requestID, stepID, actorID, repository.StepStatusRejected, comments)
}

func (e *Engine) resolveStep(ctx context.Context, requestID, stepID, actorID, action string, comments *string) (*repository.ApprovalRequest, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("request is not pending (status: %s)", req.Status))
	}

	step, err := e.requests.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.RequestID != requestID {
		return nil, apperrors.InvalidInput("step_id", "step does not belong to request")
	}
	if step.StepOrder != req.CurrentOrder {
		// Latent groups stay untouchable until their predecessor resolves.
		return nil, apperrors.Conflict(fmt.Sprintf("step group %d is not active", step.StepOrder))
	}
	if err := assertCanAct(step, actorID); err != nil {
		return nil, err
	}

	// Conditional update: the loser of a concurrent race gets Conflict here.
	if err := e.requests.ResolveStep(ctx, stepID, action, actorID, comments); err != nil {
		return nil, err
	}

	e.appendAudit(ctx, &repository.AuditEvent{
		OrganizationID: req.OrganizationID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		RequestID:      &req.ID,
		StepID:         &step.ID,
		Action:         action,
		ActorID:        actorID,
		StatusBefore:   strPtr(step.Status),
		StatusAfter:    strPtr(action),
		Metadata:       map[string]interface{}{"step_order": step.StepOrder},
	})

	return e.advance(ctx, req, actorID)
}

// advance evaluates the current step group and applies the resulting request
// transition, if any.
func (e *Engine) advance(ctx context.Context, req *repository.ApprovalRequest, actorID string) (*repository.ApprovalRequest, error) {
	group, err := e.requests.GetStepGroup(ctx, req.ID, req.CurrentOrder)
	if err != nil {
		return nil, err
	}

	switch evaluateGroup(group) {
	case groupSatisfied:
		if req.CurrentOrder >= req.TotalOrders {
			return e.finalize(ctx, req, repository.RequestStatusApproved, actorID, EventApproved)
		}
		next := req.CurrentOrder + 1
		if err := e.requests.AdvanceOrder(ctx, req.ID, next); err != nil {
			return nil, err
		}
		req.CurrentOrder = next

		e.appendAudit(ctx, &repository.AuditEvent{
			OrganizationID: req.OrganizationID,
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			RequestID:      &req.ID,
			Action:         "step_advanced",
			ActorID:        actorID,
			Metadata:       map[string]interface{}{"current_order": next},
		})

		nextGroup, err := e.requests.GetStepGroup(ctx, req.ID, next)
		if err != nil {
			return nil, err
		}
		e.notifyGroup(ctx, req, nextGroup, next)
		return req, nil

	case groupFailed:
		return e.finalize(ctx, req, repository.RequestStatusRejected, actorID, EventRejected)
	}

	return req, nil
}

// finalize moves a request into a terminal state.
func (e *Engine) finalize(ctx context.Context, req *repository.ApprovalRequest, status, actorID, event string) (*repository.ApprovalRequest, error) {
	now := time.Now().UTC()
	if err := e.requests.Finalize(ctx, req.ID, status, now); err != nil {
		return nil, err
	}
	prev := req.Status
	req.Status = status
	req.CompletedAt = &now

	e.log.Info().
		Str("request_id", req.ID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Str("status", status).
		Msg("Approval request finalized")

	e.appendAudit(ctx, &repository.AuditEvent{
		OrganizationID: req.OrganizationID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		RequestID:      &req.ID,
		Action:         status,
		ActorID:        actorID,
		StatusBefore:   strPtr(prev),
		StatusAfter:    strPtr(status),
	})

	e.notifier.PublishApprovalEvent(ctx, event, req, actorID, []string{req.SubmittedBy}, nil)
	return req, nil
}

// evaluateGroup resolves a step group's outcome from its members' statuses.
//
// Policy per step type:
//   - single: the one approver decides.
//   - any: one approval satisfies; the group fails only when every approver
//     has rejected.
//   - parallel: satisfied once min_approvals approvals arrive; failed once
//     enough rejections have accumulated that min_approvals can no longer be
//     reached. A lone rejection does not auto-fail the group.
func evaluateGroup(group []*repository.ApprovalStep) groupOutcome {
	if len(group) == 0 {
		return groupPending
	}

	var approved, rejected int
	for _, s := range group {
		switch s.Status {
		case repository.StepStatusApproved:
			approved++
		case repository.StepStatusRejected:
			rejected++
		}
	}

	switch group[0].StepType {
	case repository.StepTypeSingle:
		if approved >= 1 {
			return groupSatisfied
		}
		if rejected >= 1 {
			return groupFailed
		}

	case repository.StepTypeAny:
		if approved >= 1 {
			return groupSatisfied
		}
		if rejected == len(group) {
			return groupFailed
		}

	case repository.StepTypeParallel:
		min := group[0].MinApprovals
		if min < 1 {
			min = 1
		}
		if approved >= min {
			return groupSatisfied
		}
		if rejected > len(group)-min {
			return groupFailed
		}
	}
	return groupPending
}

// ── Delegation ────────────────────────────────────────────────────────────────

// DelegateStep transfers a step's act rights to another user. Only the
// assigned approver may delegate, and only once: delegation chains are not
// supported.
func (e *Engine) DelegateStep(ctx context.Context, requestID, stepID, delegatedBy, delegatedTo, reason string) error {
	if delegatedTo == "" {
		return apperrors.InvalidInput("delegated_to", "delegate target is required")
	}
	if delegatedTo == delegatedBy {
		return apperrors.InvalidInput("delegated_to", "cannot delegate a step to yourself")
	}

	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != repository.RequestStatusPending {
		return apperrors.Conflict(fmt.Sprintf("request is not pending (status: %s)", req.Status))
	}

	step, err := e.requests.GetStepByID(ctx, stepID)
	if err != nil {
		return err
	}
	if step.RequestID != requestID {
		return apperrors.InvalidInput("step_id", "step does not belong to request")
	}
	if step.StepOrder != req.CurrentOrder {
		return apperrors.Conflict(fmt.Sprintf("step group %d is not active", step.StepOrder))
	}
	if step.DelegatedTo != nil {
		return apperrors.Conflict("step is already delegated")
	}
	if step.ApproverID != delegatedBy {
		return apperrors.New(apperrors.ErrCodeUnauthorized, "only the assigned approver can delegate this step")
	}

	if err := e.requests.DelegateStep(ctx, stepID, delegatedTo, reason); err != nil {
		return err
	}

	e.appendAudit(ctx, &repository.AuditEvent{
		OrganizationID: req.OrganizationID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		RequestID:      &req.ID,
		StepID:         &step.ID,
		Action:         "delegated",
		ActorID:        delegatedBy,
		Metadata: map[string]interface{}{
			"delegated_to": delegatedTo,
			"reason":       reason,
			"step_order":   step.StepOrder,
		},
	})

	e.notifier.PublishApprovalEvent(ctx, EventDelegated, req, delegatedBy, []string{delegatedTo},
		map[string]interface{}{"step_id": step.ID})
	return nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelRequest is the administrative escape hatch, valid from any
// non-terminal state.
func (e *Engine) CancelRequest(ctx context.Context, requestID, cancelledBy, reason string) (*repository.ApprovalRequest, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("request cannot be cancelled from status '%s'", req.Status))
	}

	now := time.Now().UTC()
	if err := e.requests.Finalize(ctx, req.ID, repository.RequestStatusCancelled, now); err != nil {
		return nil, err
	}
	prev := req.Status
	req.Status = repository.RequestStatusCancelled
	req.CompletedAt = &now

	e.appendAudit(ctx, &repository.AuditEvent{
		OrganizationID: req.OrganizationID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		RequestID:      &req.ID,
		Action:         "cancelled",
		ActorID:        cancelledBy,
		StatusBefore:   strPtr(prev),
		StatusAfter:    strPtr(repository.RequestStatusCancelled),
		Metadata:       map[string]interface{}{"reason": reason},
	})

	e.notifier.PublishApprovalEvent(ctx, EventCancelled, req, cancelledBy, []string{req.SubmittedBy}, nil)
	return req, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by ID.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return e.requests.GetByID(ctx, requestID)
}

// GetRequestSteps returns all steps of a request ordered by step group.
func (e *Engine) GetRequestSteps(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	return e.requests.GetSteps(ctx, requestID)
}

// GetPendingForUser returns the steps currently awaiting a user's action.
func (e *Engine) GetPendingForUser(ctx context.Context, organizationID, userID string) ([]*repository.ApprovalStep, error) {
	return e.requests.GetPendingForUser(ctx, organizationID, userID)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// assertCanAct checks that userID holds the act rights for a step: the
// assigned approver, or the delegate once the step has been delegated.
func assertCanAct(step *repository.ApprovalStep, userID string) error {
	if step.DelegatedTo != nil {
		if *step.DelegatedTo == userID {
			return nil
		}
		return apperrors.New(apperrors.ErrCodeUnauthorized, "step has been delegated to another user")
	}
	if step.ApproverID == userID {
		return nil
	}
	return apperrors.New(apperrors.ErrCodeUnauthorized, "user is not authorized to act on this approval step")
}

// appendAudit writes an audit event and logs a warning on failure. Transition
// durability lives in the request tables; the audit trail is best-effort from
// the engine's perspective.
func (e *Engine) appendAudit(ctx context.Context, event *repository.AuditEvent) {
	if err := e.audit.Append(ctx, event); err != nil {
		e.log.Warn().Err(err).
			Str("entity_id", event.EntityID).
			Str("action", event.Action).
			Msg("Failed to write audit event")
	}
}

// notifyGroup informs the approvers of a newly activated step group.
func (e *Engine) notifyGroup(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep, order int) {
	var recipients []string
	for _, s := range steps {
		if s.StepOrder != order {
			continue
		}
		if s.DelegatedTo != nil {
			recipients = append(recipients, *s.DelegatedTo)
		} else {
			recipients = append(recipients, s.ApproverID)
		}
	}
	if len(recipients) == 0 {
		return
	}
	e.notifier.PublishApprovalEvent(ctx, EventApprovalRequired, req, req.SubmittedBy, recipients,
		map[string]interface{}{"step_order": order})
}

func strPtr(s string) *string { return &s }
