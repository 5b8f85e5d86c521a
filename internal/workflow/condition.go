// Package workflow implements approval rule resolution and the approval
// request state machine.
package workflow

import (
	"encoding/json"
	"strings"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
)

// Condition is a tagged-variant expression tree evaluated against entity
// attributes. A node is either a branch (op "and"/"or"/"not" with Conds) or a
// leaf (Field + comparison op + Value). Stored as JSON on approval rules.
//
// Evaluation fails closed: an unknown operator, a missing field, or a type
// mismatch makes the node evaluate false rather than erroring, so a malformed
// rule can never approve-bypass an entity.
type Condition struct {
	Op    string       `json:"op"`
	Field string       `json:"field,omitempty"`
	Value interface{}  `json:"value,omitempty"`
	Conds []*Condition `json:"conds,omitempty"`
}

// Comparison operators supported on leaf nodes.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Branch operators.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// ParseCondition decodes and validates a stored condition tree. Malformed
// JSON or a structurally invalid tree yields a validation error; this is the
// only place a bad condition surfaces as an error (rule save time).
func ParseCondition(raw []byte) (*Condition, error) {
	if len(raw) == 0 {
		return nil, apperrors.InvalidInput("condition", "condition is required")
	}

	var cond Condition
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cond); err != nil {
		return nil, apperrors.InvalidInput("condition", "malformed condition predicate")
	}
	if err := cond.validate(); err != nil {
		return nil, err
	}
	return &cond, nil
}

func (c *Condition) validate() error {
	switch c.Op {
	case OpAnd, OpOr:
		if len(c.Conds) == 0 {
			return apperrors.InvalidInput("condition", c.Op+" requires at least one sub-condition")
		}
		for _, sub := range c.Conds {
			if err := sub.validate(); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(c.Conds) != 1 {
			return apperrors.InvalidInput("condition", "not requires exactly one sub-condition")
		}
		return c.Conds[0].validate()
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		if c.Field == "" {
			return apperrors.InvalidInput("condition", "comparison requires a field")
		}
		return nil
	}
	return apperrors.InvalidInput("condition", "unsupported operator: "+c.Op)
}

// Evaluate reports whether the condition holds for the given attributes.
func (c *Condition) Evaluate(attrs map[string]interface{}) bool {
	switch c.Op {
	case OpAnd:
		if len(c.Conds) == 0 {
			return false
		}
		for _, sub := range c.Conds {
			if !sub.Evaluate(attrs) {
				return false
			}
		}
		return true

	case OpOr:
		for _, sub := range c.Conds {
			if sub.Evaluate(attrs) {
				return true
			}
		}
		return false

	case OpNot:
		if len(c.Conds) != 1 {
			return false
		}
		return !c.Conds[0].Evaluate(attrs)
	}

	actual, ok := attrs[c.Field]
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return compareEq(actual, c.Value)
	case OpNeq:
		return !compareEq(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		list, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if compareEq(actual, item) {
				return true
			}
		}
		return false
	case OpContains:
		list, ok := actual.([]interface{})
		if !ok {
			// Also accept []string attribute values.
			strs, sok := actual.([]string)
			if !sok {
				return false
			}
			want, wok := c.Value.(string)
			if !wok {
				return false
			}
			for _, s := range strs {
				if s == want {
					return true
				}
			}
			return false
		}
		for _, item := range list {
			if compareEq(item, c.Value) {
				return true
			}
		}
		return false
	}
	return false
}

// compareEq compares values numerically when both sides are numeric, and by
// direct equality otherwise.
func compareEq(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return a == b
}

// toFloat normalizes the numeric types that survive JSON decoding and the
// common Go numeric types attribute maps are built with.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
