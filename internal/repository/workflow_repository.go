package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/database"
)

// WorkflowRepository manages workflow templates and their ordered steps.
// Workflow + step rows are always written together in a single transaction.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a workflow and its steps in one transaction. Step order
// validation happens in the service layer before this is called.
func (r *WorkflowRepository) Create(ctx context.Context, wf *ApprovalWorkflow) error {
	wf.ID = uuid.NewString()

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		wfQuery := `
			INSERT INTO approval_workflows
			    (id, organization_id, name, entity_type, is_active)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, wfQuery,
			wf.ID, wf.OrganizationID, wf.Name, wf.EntityType, wf.IsActive,
		).Scan(&wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval workflow")
		}

		stepQuery := `
			INSERT INTO approval_workflow_steps
			    (id, workflow_id, step_order, step_type,
			     approver_type, approver_ref, min_approvals, required_approvers)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at
		`
		for _, step := range wf.Steps {
			step.ID = uuid.NewString()
			step.WorkflowID = wf.ID

			err := tx.QueryRow(ctx, stepQuery,
				step.ID, step.WorkflowID, step.StepOrder, step.StepType,
				step.ApproverType, step.ApproverRef, step.MinApprovals, step.RequiredApprovers,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create workflow step")
			}
		}
		return nil
	})
}

// GetByID retrieves a workflow with its steps ordered by step_order.
func (r *WorkflowRepository) GetByID(ctx context.Context, id, organizationID string) (*ApprovalWorkflow, error) {
	query := `
		SELECT id, organization_id, name, entity_type, is_active,
		       created_at, updated_at
		FROM approval_workflows
		WHERE id = $1 AND organization_id = $2
	`

	wf := &ApprovalWorkflow{}
	err := r.db.QueryRow(ctx, query, id, organizationID).Scan(
		&wf.ID,
		&wf.OrganizationID,
		&wf.Name,
		&wf.EntityType,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval workflow")
	}

	steps, err := r.getSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

// List returns workflows for an organization, optionally filtered by entity type.
func (r *WorkflowRepository) List(ctx context.Context, organizationID string, entityType *string) ([]*ApprovalWorkflow, error) {
	query := `
		SELECT id, organization_id, name, entity_type, is_active,
		       created_at, updated_at
		FROM approval_workflows
		WHERE organization_id = $1
	`
	args := []any{organizationID}
	if entityType != nil {
		query += " AND entity_type = $2"
		args = append(args, *entityType)
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval workflows")
	}
	defer rows.Close()

	var workflows []*ApprovalWorkflow
	for rows.Next() {
		wf := &ApprovalWorkflow{}
		err := rows.Scan(
			&wf.ID,
			&wf.OrganizationID,
			&wf.Name,
			&wf.EntityType,
			&wf.IsActive,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval workflow")
		}
		workflows = append(workflows, wf)
	}

	for _, wf := range workflows {
		steps, err := r.getSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return workflows, nil
}

// SetActive toggles a workflow's active flag.
func (r *WorkflowRepository) SetActive(ctx context.Context, id, organizationID string, active bool) error {
	query := `
		UPDATE approval_workflows
		SET is_active  = $3,
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, organizationID, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_workflow", id)
	}
	return err
}

// getSteps loads a workflow's step templates ordered by step_order.
func (r *WorkflowRepository) getSteps(ctx context.Context, workflowID string) ([]*ApprovalWorkflowStep, error) {
	query := `
		SELECT id, workflow_id, step_order, step_type,
		       approver_type, approver_ref, min_approvals, required_approvers,
		       created_at, updated_at
		FROM approval_workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	var steps []*ApprovalWorkflowStep
	for rows.Next() {
		s := &ApprovalWorkflowStep{}
		err := rows.Scan(
			&s.ID,
			&s.WorkflowID,
			&s.StepOrder,
			&s.StepType,
			&s.ApproverType,
			&s.ApproverRef,
			&s.MinApprovals,
			&s.RequiredApprovers,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}
