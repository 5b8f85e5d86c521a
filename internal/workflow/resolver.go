package workflow

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/safee-analytics/be-approvals/internal/repository"
)

// RulesStore is the subset of the rules repository the resolver needs.
type RulesStore interface {
	ListActive(ctx context.Context, organizationID, entityType string) ([]*repository.ApprovalRule, error)
}

// RuleResolver selects the workflow for an entity mutation by evaluating the
// organization's active rules in descending priority. First match wins.
type RuleResolver struct {
	rules RulesStore
	log   zerolog.Logger
}

// NewRuleResolver creates a new RuleResolver.
func NewRuleResolver(rules RulesStore, log zerolog.Logger) *RuleResolver {
	return &RuleResolver{rules: rules, log: log}
}

// Resolve returns the highest-priority matching rule, or nil when no rule
// matches. "No rule matched" is a valid outcome, not an error: the entity
// proceeds unapproved.
//
// A rule whose stored condition no longer parses is skipped (fail closed)
// with a warning rather than aborting resolution, so one corrupt rule cannot
// block the rest of the rule set.
func (r *RuleResolver) Resolve(
	ctx context.Context,
	organizationID, entityType string,
	attrs map[string]interface{},
) (*repository.ApprovalRule, error) {
	rules, err := r.rules.ListActive(ctx, organizationID, entityType)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			r.log.Warn().
				Str("rule_id", rule.ID).
				Str("entity_type", entityType).
				Msg("Skipping rule with unparseable condition")
			continue
		}
		if cond.Evaluate(attrs) {
			return rule, nil
		}
	}
	return nil, nil
}
