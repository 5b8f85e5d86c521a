package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/database"
)

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// RequestRepository manages approval request instances and their steps.
// Request + step creation is always done together in a single transaction.
// All state-changing updates are conditional on current status so concurrent
// actors race safely: the loser sees zero rows and gets a Conflict.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request and its steps in one transaction. A partial unique
// index on (entity_type, entity_id) WHERE status = 'pending' backs the
// one-active-request invariant; a violation surfaces as Conflict so retried
// submissions are rejected rather than duplicated.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest, steps []*ApprovalStep) error {
	req.ID = uuid.NewString()

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			INSERT INTO approval_requests
			    (id, organization_id, workflow_id, entity_type, entity_id,
			     status, current_order, total_orders, submitted_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING submitted_at, created_at, updated_at
		`
		err := tx.QueryRow(ctx, reqQuery,
			req.ID,
			req.OrganizationID,
			req.WorkflowID,
			req.EntityType,
			req.EntityID,
			req.Status,
			req.CurrentOrder,
			req.TotalOrders,
			req.SubmittedBy,
		).Scan(&req.SubmittedAt, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return err
		}

		stepQuery := `
			INSERT INTO approval_request_steps
			    (id, request_id, organization_id,
			     step_order, step_type, min_approvals, group_size,
			     approver_id, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at
		`
		for _, step := range steps {
			step.ID = uuid.NewString()
			step.RequestID = req.ID
			step.OrganizationID = req.OrganizationID

			err := tx.QueryRow(ctx, stepQuery,
				step.ID,
				step.RequestID,
				step.OrganizationID,
				step.StepOrder,
				step.StepType,
				step.MinApprovals,
				step.GroupSize,
				step.ApproverID,
				step.Status,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("entity already has a pending approval request")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT id, organization_id, workflow_id, entity_type, entity_id,
		       status, current_order, total_orders,
		       submitted_by, submitted_at, completed_at,
		       created_at, updated_at
		FROM approval_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// GetPendingByEntity returns the pending request for an entity, or nil when
// no request is in flight.
func (r *RequestRepository) GetPendingByEntity(ctx context.Context, organizationID, entityType, entityID string) (*ApprovalRequest, error) {
	query := `
		SELECT id, organization_id, workflow_id, entity_type, entity_id,
		       status, current_order, total_orders,
		       submitted_by, submitted_at, completed_at,
		       created_at, updated_at
		FROM approval_requests
		WHERE organization_id = $1
		  AND entity_type = $2
		  AND entity_id = $3
		  AND status = 'pending'
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, organizationID, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// Finalize moves a pending request to a terminal status and stamps
// completed_at. The update is conditional on the request still being pending;
// a concurrent finalization wins the race and the loser gets Conflict.
func (r *RequestRepository) Finalize(ctx context.Context, id, status string, completedAt time.Time) error {
	query := `
		UPDATE approval_requests
		SET status       = $2,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("request is no longer pending")
	}
	return err
}

// AdvanceOrder moves the request's active step group forward. The update is
// conditional on the request still sitting at the preceding order, so two
// concurrent evaluations of the same group advance it exactly once.
func (r *RequestRepository) AdvanceOrder(ctx context.Context, id string, nextOrder int) error {
	query := `
		UPDATE approval_requests
		SET current_order = $2,
		    updated_at    = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND current_order = $2 - 1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, nextOrder).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("request has already advanced or is no longer pending")
	}
	return err
}

// ── step operations ──────────────────────────────────────────────────────────

// GetStepByID returns a single step.
func (r *RequestRepository) GetStepByID(ctx context.Context, id string) (*ApprovalStep, error) {
	query := r.stepSelect() + ` WHERE id = $1`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_step", id)
	}
	return step, err
}

// GetSteps returns all steps for a request ordered by step_order.
func (r *RequestRepository) GetSteps(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := r.stepSelect() + ` WHERE request_id = $1 ORDER BY step_order ASC, created_at ASC`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetStepGroup returns the steps sharing one step_order within a request.
func (r *RequestRepository) GetStepGroup(ctx context.Context, requestID string, stepOrder int) ([]*ApprovalStep, error) {
	query := r.stepSelect() + ` WHERE request_id = $1 AND step_order = $2 ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, requestID, stepOrder)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get step group")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetPendingForUser returns steps awaiting action from a user (as assignee or
// delegate) in the active group of a pending request.
func (r *RequestRepository) GetPendingForUser(ctx context.Context, organizationID, userID string) ([]*ApprovalStep, error) {
	query := `
		SELECT s.id, s.request_id, s.organization_id,
		       s.step_order, s.step_type, s.min_approvals, s.group_size,
		       s.approver_id, s.status,
		       s.delegated_to, s.delegated_at, s.delegation_reason,
		       s.comments, s.acted_by, s.acted_at,
		       s.created_at, s.updated_at
		FROM approval_request_steps s
		JOIN approval_requests r ON r.id = s.request_id
		WHERE s.organization_id = $1
		  AND r.status = 'pending'
		  AND s.step_order = r.current_order
		  AND s.status IN ('pending', 'delegated')
		  AND (
		        (s.delegated_to IS NULL AND s.approver_id = $2)
		     OR s.delegated_to = $2
		  )
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ResolveStep records an approve/reject outcome. Conditional on the step
// still awaiting action; exactly one of two racing actors succeeds.
func (r *RequestRepository) ResolveStep(ctx context.Context, id, status, actedBy string, comments *string) error {
	query := `
		UPDATE approval_request_steps
		SET status     = $2,
		    acted_by   = $3,
		    acted_at   = NOW(),
		    comments   = $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'delegated')
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, actedBy, comments).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("step has already been resolved")
	}
	return err
}

// DelegateStep records a delegation. Conditional on the step being pending
// and not already delegated (delegation chains are not supported).
func (r *RequestRepository) DelegateStep(ctx context.Context, id, delegatedTo, reason string) error {
	query := `
		UPDATE approval_request_steps
		SET status            = 'delegated',
		    delegated_to      = $2,
		    delegated_at      = NOW(),
		    delegation_reason = $3,
		    updated_at        = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND delegated_to IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, delegatedTo, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("step is already resolved or delegated")
	}
	return err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *RequestRepository) stepSelect() string {
	return `
		SELECT id, request_id, organization_id,
		       step_order, step_type, min_approvals, group_size,
		       approver_id, status,
		       delegated_to, delegated_at, delegation_reason,
		       comments, acted_by, acted_at,
		       created_at, updated_at
		FROM approval_request_steps`
}

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.OrganizationID,
		&req.WorkflowID,
		&req.EntityType,
		&req.EntityID,
		&req.Status,
		&req.CurrentOrder,
		&req.TotalOrders,
		&req.SubmittedBy,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepository) scanStep(row requestScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.OrganizationID,
		&s.StepOrder,
		&s.StepType,
		&s.MinApprovals,
		&s.GroupSize,
		&s.ApproverID,
		&s.Status,
		&s.DelegatedTo,
		&s.DelegatedAt,
		&s.DelegationReason,
		&s.Comments,
		&s.ActedBy,
		&s.ActedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RequestRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, step)
	}
	return steps, nil
}
