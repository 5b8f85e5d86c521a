package repository

import (
	"encoding/json"
	"time"
)

// ── Domain types for approval workflow configuration ─────────────────────────

// Workflow status values.
const (
	RequestStatusPending   = "pending"
	RequestStatusApproved  = "approved"
	RequestStatusRejected  = "rejected"
	RequestStatusCancelled = "cancelled"
)

// Step status values.
const (
	StepStatusPending   = "pending"
	StepStatusApproved  = "approved"
	StepStatusRejected  = "rejected"
	StepStatusDelegated = "delegated"
)

// Step types.
const (
	StepTypeSingle   = "single"
	StepTypeParallel = "parallel"
	StepTypeAny      = "any"
)

// Approver types.
const (
	ApproverTypeRole = "role"
	ApproverTypeTeam = "team"
	ApproverTypeUser = "user"
)

// ApprovalWorkflow is an organization-scoped workflow template for one entity
// type. Its ordered steps define who approves and in what sequence.
type ApprovalWorkflow struct {
	ID             string
	OrganizationID string
	Name           string
	EntityType     string // invoice | audit_plan | expense_report | ...
	IsActive       bool
	Steps          []*ApprovalWorkflowStep // ordered by StepOrder; loaded with the workflow
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalWorkflowStep is one template step within a workflow. StepOrder
// values within a workflow are unique and contiguous from 1.
type ApprovalWorkflowStep struct {
	ID                string
	WorkflowID        string
	StepOrder         int
	StepType          string // single | parallel | any
	ApproverType      string // role | team | user
	ApproverRef       string // role name, team ID, or user ID depending on ApproverType
	MinApprovals      int    // parallel only; approvals needed to satisfy the group
	RequiredApprovers int    // parallel only; approvers assigned to the group
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ApprovalRule routes an entity mutation to a workflow. Rules are evaluated
// in descending priority; the first whose condition matches wins.
type ApprovalRule struct {
	ID             string
	OrganizationID string
	EntityType     string
	Name           string
	Condition      json.RawMessage // tagged-variant expression tree, see workflow.Condition
	Priority       int             // higher = evaluated first
	WorkflowID     string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ── Domain types for approval request instances ──────────────────────────────

// ApprovalRequest is a workflow instance bound to one (entityType, entityID).
// At most one pending request exists per entity at a time.
type ApprovalRequest struct {
	ID             string
	OrganizationID string
	WorkflowID     string
	EntityType     string
	EntityID       string
	Status         string // pending | approved | rejected | cancelled
	CurrentOrder   int    // active step group; groups above it are latent
	TotalOrders    int
	SubmittedBy    string
	SubmittedAt    time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalStep is one approver's slot within a request's step group. The
// group definition (type, thresholds, size) is denormalized onto each row so
// group evaluation needs no join back to the template.
type ApprovalStep struct {
	ID               string
	RequestID        string
	OrganizationID   string
	StepOrder        int
	StepType         string // single | parallel | any
	MinApprovals     int
	GroupSize        int // approvers assigned to this group at creation
	ApproverID       string
	Status           string // pending | approved | rejected | delegated
	DelegatedTo      *string
	DelegatedAt      *time.Time
	DelegationReason *string
	Comments         *string
	ActedBy          *string
	ActedAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuditEvent is one immutable record of a request or step transition.
type AuditEvent struct {
	ID             string
	OrganizationID string
	EntityType     string
	EntityID       string
	RequestID      *string
	StepID         *string
	Action         string // submitted | approved | rejected | delegated | cancelled | step_advanced
	ActorID        string
	StatusBefore   *string
	StatusAfter    *string
	Metadata       map[string]interface{}
	OccurredAt     time.Time
}

// ── Domain types for document encryption ─────────────────────────────────────

// EncryptionKey is one version of an organization's wrapped content key.
// Exactly one row per organization is active at a time; rows are never
// deleted so historical key versions remain resolvable.
type EncryptionKey struct {
	ID             string
	OrganizationID string
	WrappedKey     string // base64 ciphertext of the org content key (includes AEAD tag)
	Salt           []byte // PBKDF2 salt
	IV             []byte // AEAD nonce used for the wrap
	Iterations     int
	Hash           string // derivation hash, e.g. "sha256"
	KeyLength      int
	KeyVersion     int
	IsActive       bool
	CreatedAt      time.Time
	RotatedAt      *time.Time
}

// FileEncryptionMetadata is the immutable per-file envelope record. The
// ciphertext itself lives in object storage, keyed by FileID.
type FileEncryptionMetadata struct {
	ID             string
	FileID         string
	OrganizationID string
	KeyVersion     int
	IV             []byte // base nonce; per-chunk nonces are derived from it
	AuthTag        []byte // tag of the final chunk
	ChunkSize      int
	Algorithm      string // "aes-256-gcm"
	CreatedBy      string
	CreatedAt      time.Time
}
