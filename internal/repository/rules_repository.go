package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/database"
)

// RulesRepository handles CRUD for approval_rules. Condition predicates are
// stored as JSON and validated by the workflow package before insert.
type RulesRepository struct {
	db *database.DB
}

// NewRulesRepository creates a new RulesRepository.
func NewRulesRepository(db *database.DB) *RulesRepository {
	return &RulesRepository{db: db}
}

// Create inserts a new approval rule.
func (r *RulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	rule.ID = uuid.NewString()

	query := `
		INSERT INTO approval_rules
		    (id, organization_id, entity_type, name,
		     condition, priority, workflow_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.OrganizationID,
		rule.EntityType,
		rule.Name,
		[]byte(rule.Condition),
		rule.Priority,
		rule.WorkflowID,
		rule.IsActive,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *RulesRepository) GetByID(ctx context.Context, id, organizationID string) (*ApprovalRule, error) {
	query := `
		SELECT id, organization_id, entity_type, name,
		       condition, priority, workflow_id, is_active,
		       created_at, updated_at
		FROM approval_rules
		WHERE id = $1 AND organization_id = $2
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id, organizationID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	return rule, err
}

// ListActive returns active rules for an organization and entity type,
// ordered by descending priority (first match wins).
func (r *RulesRepository) ListActive(ctx context.Context, organizationID, entityType string) ([]*ApprovalRule, error) {
	query := `
		SELECT id, organization_id, entity_type, name,
		       condition, priority, workflow_id, is_active,
		       created_at, updated_at
		FROM approval_rules
		WHERE organization_id = $1
		  AND entity_type = $2
		  AND is_active = TRUE
		ORDER BY priority DESC, name ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, entityType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// List returns all rules for an organization ordered by entity type and priority.
func (r *RulesRepository) List(ctx context.Context, organizationID string) ([]*ApprovalRule, error) {
	query := `
		SELECT id, organization_id, entity_type, name,
		       condition, priority, workflow_id, is_active,
		       created_at, updated_at
		FROM approval_rules
		WHERE organization_id = $1
		ORDER BY entity_type ASC, priority DESC
	`

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Update persists changes to an existing rule.
func (r *RulesRepository) Update(ctx context.Context, rule *ApprovalRule) error {
	query := `
		UPDATE approval_rules
		SET name        = $3,
		    condition   = $4,
		    priority    = $5,
		    workflow_id = $6,
		    is_active   = $7,
		    updated_at  = NOW()
		WHERE id = $1 AND organization_id = $2
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.OrganizationID,
		rule.Name,
		[]byte(rule.Condition),
		rule.Priority,
		rule.WorkflowID,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	return err
}

// Delete removes an approval rule.
func (r *RulesRepository) Delete(ctx context.Context, id, organizationID string) error {
	query := `
		DELETE FROM approval_rules
		WHERE id = $1 AND organization_id = $2
	`

	tag, err := r.db.Exec(ctx, query, id, organizationID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_rule", id)
	}
	return nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *RulesRepository) scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var conditionJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&rule.EntityType,
		&rule.Name,
		&conditionJSON,
		&rule.Priority,
		&rule.WorkflowID,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Condition = conditionJSON
	return rule, nil
}
