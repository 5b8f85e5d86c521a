package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safee-analytics/be-approvals/internal/repository"
)

func rule(id, workflowID string, priority int, condition string) *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:             id,
		OrganizationID: testOrg,
		EntityType:     "invoice",
		Condition:      json.RawMessage(condition),
		Priority:       priority,
		WorkflowID:     workflowID,
		IsActive:       true,
	}
}

func TestRuleResolver_HighestPriorityMatchWins(t *testing.T) {
	// ListActive returns rules in descending priority; the resolver takes the
	// first match.
	store := &fakeRulesStore{rules: []*repository.ApprovalRule{
		rule("rule-high", "wf-exec", 20, `{"field":"amount","op":"gte","value":10000}`),
		rule("rule-low", "wf-mgr", 10, `{"field":"amount","op":"gte","value":1000}`),
	}}
	resolver := NewRuleResolver(store, zerolog.Nop())

	matched, err := resolver.Resolve(context.Background(), testOrg, "invoice",
		map[string]interface{}{"amount": 50000})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "rule-high", matched.ID)

	matched, err = resolver.Resolve(context.Background(), testOrg, "invoice",
		map[string]interface{}{"amount": 2000})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "rule-low", matched.ID)
}

func TestRuleResolver_NoMatchIsNotAnError(t *testing.T) {
	store := &fakeRulesStore{rules: []*repository.ApprovalRule{
		rule("rule-1", "wf-1", 10, `{"field":"amount","op":"gte","value":1000}`),
	}}
	resolver := NewRuleResolver(store, zerolog.Nop())

	matched, err := resolver.Resolve(context.Background(), testOrg, "invoice",
		map[string]interface{}{"amount": 10})

	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestRuleResolver_SkipsCorruptCondition(t *testing.T) {
	store := &fakeRulesStore{rules: []*repository.ApprovalRule{
		rule("rule-corrupt", "wf-1", 20, `{"op":`),
		rule("rule-ok", "wf-2", 10, `{"field":"amount","op":"gte","value":1000}`),
	}}
	resolver := NewRuleResolver(store, zerolog.Nop())

	matched, err := resolver.Resolve(context.Background(), testOrg, "invoice",
		map[string]interface{}{"amount": 2000})

	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "rule-ok", matched.ID)
}
