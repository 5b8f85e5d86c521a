package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
)

// ── in-memory fakes ──────────────────────────────────────────────────────────

type fakeRequestStore struct {
	nextID   int
	requests map[string]*repository.ApprovalRequest
	steps    []*repository.ApprovalStep
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: make(map[string]*repository.ApprovalRequest)}
}

func (s *fakeRequestStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *fakeRequestStore) Create(_ context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep) error {
	req.ID = s.id("req")
	req.SubmittedAt = time.Now().UTC()
	s.requests[req.ID] = req
	for _, step := range steps {
		step.ID = s.id("step")
		step.RequestID = req.ID
		step.OrganizationID = req.OrganizationID
		s.steps = append(s.steps, step)
	}
	return nil
}

func (s *fakeRequestStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval_request", id)
	}
	copy := *req
	return &copy, nil
}

func (s *fakeRequestStore) GetPendingByEntity(_ context.Context, organizationID, entityType, entityID string) (*repository.ApprovalRequest, error) {
	for _, req := range s.requests {
		if req.OrganizationID == organizationID &&
			req.EntityType == entityType &&
			req.EntityID == entityID &&
			req.Status == repository.RequestStatusPending {
			copy := *req
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *fakeRequestStore) Finalize(_ context.Context, id, status string, completedAt time.Time) error {
	req, ok := s.requests[id]
	if !ok || req.Status != repository.RequestStatusPending {
		return apperrors.Conflict("request is no longer pending")
	}
	req.Status = status
	req.CompletedAt = &completedAt
	return nil
}

func (s *fakeRequestStore) AdvanceOrder(_ context.Context, id string, nextOrder int) error {
	req, ok := s.requests[id]
	if !ok || req.Status != repository.RequestStatusPending || req.CurrentOrder != nextOrder-1 {
		return apperrors.Conflict("request has already advanced or is no longer pending")
	}
	req.CurrentOrder = nextOrder
	return nil
}

func (s *fakeRequestStore) GetStepByID(_ context.Context, id string) (*repository.ApprovalStep, error) {
	for _, step := range s.steps {
		if step.ID == id {
			copy := *step
			return &copy, nil
		}
	}
	return nil, apperrors.NotFound("approval_step", id)
}

func (s *fakeRequestStore) GetSteps(_ context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	for _, step := range s.steps {
		if step.RequestID == requestID {
			copy := *step
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) GetStepGroup(_ context.Context, requestID string, stepOrder int) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	for _, step := range s.steps {
		if step.RequestID == requestID && step.StepOrder == stepOrder {
			copy := *step
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) GetPendingForUser(_ context.Context, organizationID, userID string) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	for _, step := range s.steps {
		req := s.requests[step.RequestID]
		if req == nil || req.Status != repository.RequestStatusPending {
			continue
		}
		if step.OrganizationID != organizationID || step.StepOrder != req.CurrentOrder {
			continue
		}
		if step.Status != repository.StepStatusPending && step.Status != repository.StepStatusDelegated {
			continue
		}
		assignee := step.ApproverID
		if step.DelegatedTo != nil {
			assignee = *step.DelegatedTo
		}
		if assignee == userID {
			copy := *step
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) ResolveStep(_ context.Context, id, status, actedBy string, comments *string) error {
	for _, step := range s.steps {
		if step.ID != id {
			continue
		}
		if step.Status != repository.StepStatusPending && step.Status != repository.StepStatusDelegated {
			return apperrors.Conflict("step has already been resolved")
		}
		now := time.Now().UTC()
		step.Status = status
		step.ActedBy = &actedBy
		step.ActedAt = &now
		step.Comments = comments
		return nil
	}
	return apperrors.NotFound("approval_step", id)
}

func (s *fakeRequestStore) DelegateStep(_ context.Context, id, delegatedTo, reason string) error {
	for _, step := range s.steps {
		if step.ID != id {
			continue
		}
		if step.Status != repository.StepStatusPending || step.DelegatedTo != nil {
			return apperrors.Conflict("step is already resolved or delegated")
		}
		now := time.Now().UTC()
		step.Status = repository.StepStatusDelegated
		step.DelegatedTo = &delegatedTo
		step.DelegatedAt = &now
		step.DelegationReason = &reason
		return nil
	}
	return apperrors.NotFound("approval_step", id)
}

type fakeWorkflowStore struct {
	workflows map[string]*repository.ApprovalWorkflow
}

func (s *fakeWorkflowStore) GetByID(_ context.Context, id, _ string) (*repository.ApprovalWorkflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	return wf, nil
}

type fakeRulesStore struct {
	rules []*repository.ApprovalRule
}

func (s *fakeRulesStore) ListActive(_ context.Context, organizationID, entityType string) ([]*repository.ApprovalRule, error) {
	var out []*repository.ApprovalRule
	for _, rule := range s.rules {
		if rule.OrganizationID == organizationID && rule.EntityType == entityType && rule.IsActive {
			out = append(out, rule)
		}
	}
	return out, nil
}

type fakeAudit struct {
	events []*repository.AuditEvent
}

func (a *fakeAudit) Append(_ context.Context, event *repository.AuditEvent) error {
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) actions() []string {
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type fakeIdentity struct {
	roles map[string][]string
	teams map[string][]string
}

func (c *fakeIdentity) GetUsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return c.roles[role], nil
}

func (c *fakeIdentity) GetTeamMembers(_ context.Context, _, teamID string) ([]string, error) {
	return c.teams[teamID], nil
}

type publishedEvent struct {
	eventType  string
	recipients []string
}

type fakeNotifier struct {
	events []publishedEvent
}

func (n *fakeNotifier) PublishApprovalEvent(_ context.Context, eventType string, _ *repository.ApprovalRequest, _ string, recipients []string, _ map[string]interface{}) {
	n.events = append(n.events, publishedEvent{eventType: eventType, recipients: recipients})
}

func (n *fakeNotifier) types() []string {
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.eventType)
	}
	return out
}

// ── fixtures ─────────────────────────────────────────────────────────────────

const testOrg = "org-1"

type engineFixture struct {
	engine   *Engine
	store    *fakeRequestStore
	audit    *fakeAudit
	notifier *fakeNotifier
}

func newEngineFixture(t *testing.T, wf *repository.ApprovalWorkflow, identity *fakeIdentity) *engineFixture {
	t.Helper()

	rules := &fakeRulesStore{rules: []*repository.ApprovalRule{{
		ID:             "rule-1",
		OrganizationID: testOrg,
		EntityType:     "invoice",
		Name:           "high value invoices",
		Condition:      json.RawMessage(`{"field":"amount","op":"gte","value":1000}`),
		Priority:       10,
		WorkflowID:     wf.ID,
		IsActive:       true,
	}}}

	if identity == nil {
		identity = &fakeIdentity{}
	}

	store := newFakeRequestStore()
	audit := &fakeAudit{}
	notifier := &fakeNotifier{}
	resolver := NewRuleResolver(rules, zerolog.Nop())
	workflows := &fakeWorkflowStore{workflows: map[string]*repository.ApprovalWorkflow{wf.ID: wf}}

	return &engineFixture{
		engine:   NewEngine(resolver, workflows, store, audit, identity, notifier, zerolog.Nop()),
		store:    store,
		audit:    audit,
		notifier: notifier,
	}
}

// singleThenParallelWorkflow is a two-group workflow: one manager, then two of
// three finance approvers.
func singleThenParallelWorkflow() *repository.ApprovalWorkflow {
	return &repository.ApprovalWorkflow{
		ID:             "wf-1",
		OrganizationID: testOrg,
		Name:           "invoice approval",
		EntityType:     "invoice",
		IsActive:       true,
		Steps: []*repository.ApprovalWorkflowStep{
			{StepOrder: 1, StepType: repository.StepTypeSingle, ApproverType: repository.ApproverTypeUser, ApproverRef: "mgr-1"},
			{StepOrder: 2, StepType: repository.StepTypeParallel, ApproverType: repository.ApproverTypeRole, ApproverRef: "finance", MinApprovals: 2, RequiredApprovers: 3},
		},
	}
}

func financeIdentity() *fakeIdentity {
	return &fakeIdentity{roles: map[string][]string{"finance": {"fin-a", "fin-b", "fin-c", "fin-d"}}}
}

func submit(t *testing.T, f *engineFixture) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.engine.SubmitForApproval(context.Background(), testOrg, "invoice", "inv-42",
		map[string]interface{}{"amount": 5000}, "submitter-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func stepFor(t *testing.T, f *engineFixture, requestID, approverID string) *repository.ApprovalStep {
	t.Helper()
	steps, err := f.store.GetSteps(context.Background(), requestID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.ApproverID == approverID {
			return s
		}
	}
	t.Fatalf("no step for approver %s", approverID)
	return nil
}

// ── submission ───────────────────────────────────────────────────────────────

func TestSubmitForApproval_NoRuleMatch(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())

	req, err := f.engine.SubmitForApproval(context.Background(), testOrg, "invoice", "inv-1",
		map[string]interface{}{"amount": 50}, "submitter-1")

	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Empty(t, f.store.requests)
	assert.Empty(t, f.notifier.events)
}

func TestSubmitForApproval_CreatesRequestAndSteps(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())

	req := submit(t, f)

	assert.Equal(t, repository.RequestStatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentOrder)
	assert.Equal(t, 2, req.TotalOrders)
	assert.Equal(t, "submitter-1", req.SubmittedBy)

	steps, err := f.store.GetSteps(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	group1, err := f.store.GetStepGroup(context.Background(), req.ID, 1)
	require.NoError(t, err)
	require.Len(t, group1, 1)
	assert.Equal(t, "mgr-1", group1[0].ApproverID)

	// Parallel group truncated to required_approvers; fin-d has no slot.
	group2, err := f.store.GetStepGroup(context.Background(), req.ID, 2)
	require.NoError(t, err)
	require.Len(t, group2, 3)
	for _, s := range group2 {
		assert.Equal(t, 2, s.MinApprovals)
		assert.Equal(t, 3, s.GroupSize)
		assert.Equal(t, repository.StepStatusPending, s.Status)
	}

	assert.Equal(t, []string{EventSubmitted, EventApprovalRequired}, f.notifier.types())
	assert.Equal(t, []string{"mgr-1"}, f.notifier.events[1].recipients)
	assert.Contains(t, f.audit.actions(), "submitted")
}

func TestSubmitForApproval_RejectsDuplicatePending(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	submit(t, f)

	_, err := f.engine.SubmitForApproval(context.Background(), testOrg, "invoice", "inv-42",
		map[string]interface{}{"amount": 7000}, "submitter-2")

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestSubmitForApproval_InactiveWorkflow(t *testing.T) {
	wf := singleThenParallelWorkflow()
	wf.IsActive = false
	f := newEngineFixture(t, wf, financeIdentity())

	_, err := f.engine.SubmitForApproval(context.Background(), testOrg, "invoice", "inv-1",
		map[string]interface{}{"amount": 5000}, "submitter-1")

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestSubmitForApproval_NoApproversResolved(t *testing.T) {
	// Role resolves to nobody; the step cannot be silently skipped.
	f := newEngineFixture(t, singleThenParallelWorkflow(), &fakeIdentity{})

	_, err := f.engine.SubmitForApproval(context.Background(), testOrg, "invoice", "inv-1",
		map[string]interface{}{"amount": 5000}, "submitter-1")

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	assert.Empty(t, f.store.requests)
}

// ── approval progression ─────────────────────────────────────────────────────

func TestApprovalChain_SingleThenParallel(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	// Manager approves; the parallel group becomes active.
	updated, err := f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "mgr-1").ID, "mgr-1", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, updated.Status)
	assert.Equal(t, 2, updated.CurrentOrder)
	assert.Contains(t, f.audit.actions(), "step_advanced")

	// First of two required approvals.
	updated, err = f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-a").ID, "fin-a", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, updated.Status)

	// Second approval satisfies the group; fin-c never acts.
	updated, err = f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-b").ID, "fin-b", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	assert.Equal(t, repository.StepStatusPending, stepFor(t, f, req.ID, "fin-c").Status)
	assert.Equal(t, EventApproved, f.notifier.events[len(f.notifier.events)-1].eventType)
	assert.Equal(t, []string{"submitter-1"}, f.notifier.events[len(f.notifier.events)-1].recipients)
}

func TestAdvance_ConcurrentEvaluationAdvancesOnce(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	// Snapshot the request as a second evaluator racing the winner would
	// have loaded it, before the group resolved.
	stale := *req

	updated, err := f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "mgr-1").ID, "mgr-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentOrder)

	// The loser re-evaluates the already-satisfied group against its stale
	// snapshot and must fail the conditional order update.
	_, err = f.engine.advance(ctx, &stale, "mgr-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

	stored, err := f.store.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentOrder)

	advanced := 0
	for _, action := range f.audit.actions() {
		if action == "step_advanced" {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced)

	// One notification per activated group: submit notified group 1, the
	// winning advance notified group 2.
	required := 0
	for _, eventType := range f.notifier.types() {
		if eventType == EventApprovalRequired {
			required++
		}
	}
	assert.Equal(t, 2, required)
}

func TestRejection_LeavesLatentGroupPending(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	reason := "missing purchase order"
	updated, err := f.engine.RejectStep(ctx, req.ID, stepFor(t, f, req.ID, "mgr-1").ID, "mgr-1", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	// The finance group was never activated and stays pending forever.
	group2, err := f.store.GetStepGroup(ctx, req.ID, 2)
	require.NoError(t, err)
	for _, s := range group2 {
		assert.Equal(t, repository.StepStatusPending, s.Status)
	}

	// Nothing is actionable on a terminal request.
	_, err = f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-a").ID, "fin-a", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestApproveStep_LatentGroupNotActionable(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)

	_, err := f.engine.ApproveStep(context.Background(), req.ID, stepFor(t, f, req.ID, "fin-a").ID, "fin-a", nil)

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestApproveStep_UnauthorizedActor(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)

	_, err := f.engine.ApproveStep(context.Background(), req.ID, stepFor(t, f, req.ID, "mgr-1").ID, "intruder", nil)

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
}

func TestApproveStep_ResolvedStepCannotBeActedAgain(t *testing.T) {
	wf := &repository.ApprovalWorkflow{
		ID: "wf-p", OrganizationID: testOrg, EntityType: "invoice", IsActive: true,
		Steps: []*repository.ApprovalWorkflowStep{
			{StepOrder: 1, StepType: repository.StepTypeParallel, ApproverType: repository.ApproverTypeRole, ApproverRef: "finance", MinApprovals: 2, RequiredApprovers: 3},
		},
	}
	f := newEngineFixture(t, wf, financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	step := stepFor(t, f, req.ID, "fin-a")
	_, err := f.engine.ApproveStep(ctx, req.ID, step.ID, "fin-a", nil)
	require.NoError(t, err)

	_, err = f.engine.ApproveStep(ctx, req.ID, step.ID, "fin-a", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

// ── group policies ───────────────────────────────────────────────────────────

func anyGroupWorkflow() *repository.ApprovalWorkflow {
	return &repository.ApprovalWorkflow{
		ID: "wf-any", OrganizationID: testOrg, EntityType: "invoice", IsActive: true,
		Steps: []*repository.ApprovalWorkflowStep{
			{StepOrder: 1, StepType: repository.StepTypeAny, ApproverType: repository.ApproverTypeTeam, ApproverRef: "team-fin"},
		},
	}
}

func teamIdentity() *fakeIdentity {
	return &fakeIdentity{teams: map[string][]string{"team-fin": {"fin-a", "fin-b", "fin-c"}}}
}

func TestAnyGroup_FirstApprovalSatisfies(t *testing.T) {
	f := newEngineFixture(t, anyGroupWorkflow(), teamIdentity())
	req := submit(t, f)

	updated, err := f.engine.ApproveStep(context.Background(), req.ID, stepFor(t, f, req.ID, "fin-b").ID, "fin-b", nil)

	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, updated.Status)
	assert.Equal(t, repository.StepStatusPending, stepFor(t, f, req.ID, "fin-a").Status)
}

func TestAnyGroup_FailsOnlyWhenAllReject(t *testing.T) {
	f := newEngineFixture(t, anyGroupWorkflow(), teamIdentity())
	req := submit(t, f)
	ctx := context.Background()
	reason := "not this quarter"

	updated, err := f.engine.RejectStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-a").ID, "fin-a", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, updated.Status)

	updated, err = f.engine.RejectStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-b").ID, "fin-b", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, updated.Status)

	updated, err = f.engine.RejectStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-c").ID, "fin-c", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, updated.Status)
}

func TestParallelGroup_RejectionThreshold(t *testing.T) {
	wf := &repository.ApprovalWorkflow{
		ID: "wf-p", OrganizationID: testOrg, EntityType: "invoice", IsActive: true,
		Steps: []*repository.ApprovalWorkflowStep{
			{StepOrder: 1, StepType: repository.StepTypeParallel, ApproverType: repository.ApproverTypeRole, ApproverRef: "finance", MinApprovals: 2, RequiredApprovers: 3},
		},
	}
	f := newEngineFixture(t, wf, financeIdentity())
	req := submit(t, f)
	ctx := context.Background()
	reason := "budget exceeded"

	// One rejection of three leaves min_approvals=2 reachable.
	updated, err := f.engine.RejectStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-a").ID, "fin-a", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, updated.Status)

	// The second rejection makes two approvals impossible.
	updated, err = f.engine.RejectStep(ctx, req.ID, stepFor(t, f, req.ID, "fin-b").ID, "fin-b", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, updated.Status)
}

// ── delegation ───────────────────────────────────────────────────────────────

func TestDelegateStep_TransfersActRights(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	step := stepFor(t, f, req.ID, "mgr-1")
	err := f.engine.DelegateStep(ctx, req.ID, step.ID, "mgr-1", "mgr-2", "on leave")
	require.NoError(t, err)

	// The original approver loses act rights once delegated.
	_, err = f.engine.ApproveStep(ctx, req.ID, step.ID, "mgr-1", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))

	pending, err := f.engine.GetPendingForUser(ctx, testOrg, "mgr-2")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	updated, err := f.engine.ApproveStep(ctx, req.ID, step.ID, "mgr-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentOrder)
}

func TestDelegateStep_Invalid(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()
	step := stepFor(t, f, req.ID, "mgr-1")

	tests := []struct {
		name        string
		delegatedBy string
		delegatedTo string
		wantCode    apperrors.Code
		before      func()
	}{
		{
			name:        "self delegation",
			delegatedBy: "mgr-1",
			delegatedTo: "mgr-1",
			wantCode:    apperrors.ErrCodeValidation,
		},
		{
			name:        "not the assigned approver",
			delegatedBy: "intruder",
			delegatedTo: "mgr-2",
			wantCode:    apperrors.ErrCodeUnauthorized,
		},
		{
			name:        "already delegated",
			delegatedBy: "mgr-1",
			delegatedTo: "mgr-3",
			wantCode:    apperrors.ErrCodeConflict,
			before: func() {
				require.NoError(t, f.engine.DelegateStep(ctx, req.ID, step.ID, "mgr-1", "mgr-2", "on leave"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.before != nil {
				tt.before()
			}
			err := f.engine.DelegateStep(ctx, req.ID, step.ID, tt.delegatedBy, tt.delegatedTo, "reason")
			assert.True(t, apperrors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

// ── cancellation ─────────────────────────────────────────────────────────────

func TestCancelRequest(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	updated, err := f.engine.CancelRequest(ctx, req.ID, "admin-1", "duplicate entry")
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusCancelled, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	// Terminal states admit no further transitions.
	_, err = f.engine.CancelRequest(ctx, req.ID, "admin-1", "again")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

	_, err = f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "mgr-1").ID, "mgr-1", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

// ── queries ──────────────────────────────────────────────────────────────────

func TestGetPendingForUser_OnlyActiveGroup(t *testing.T) {
	f := newEngineFixture(t, singleThenParallelWorkflow(), financeIdentity())
	req := submit(t, f)
	ctx := context.Background()

	// fin-a's step exists but its group is latent.
	pending, err := f.engine.GetPendingForUser(ctx, testOrg, "fin-a")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.engine.ApproveStep(ctx, req.ID, stepFor(t, f, req.ID, "mgr-1").ID, "mgr-1", nil)
	require.NoError(t, err)

	pending, err = f.engine.GetPendingForUser(ctx, testOrg, "fin-a")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
