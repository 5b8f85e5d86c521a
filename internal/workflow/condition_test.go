package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "leaf comparison", raw: `{"field":"amount","op":"gte","value":1000}`},
		{name: "branch with children", raw: `{"op":"and","conds":[{"field":"amount","op":"gt","value":500},{"field":"currency","op":"eq","value":"EUR"}]}`},
		{name: "negation", raw: `{"op":"not","conds":[{"field":"status","op":"eq","value":"draft"}]}`},
		{name: "empty", raw: ``, wantErr: true},
		{name: "malformed json", raw: `{"op":`, wantErr: true},
		{name: "unknown key", raw: `{"op":"eq","field":"amount","threshold":10}`, wantErr: true},
		{name: "unknown operator", raw: `{"field":"amount","op":"between","value":1}`, wantErr: true},
		{name: "comparison without field", raw: `{"op":"eq","value":1}`, wantErr: true},
		{name: "and without children", raw: `{"op":"and"}`, wantErr: true},
		{name: "not with two children", raw: `{"op":"not","conds":[{"field":"a","op":"eq","value":1},{"field":"b","op":"eq","value":2}]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := ParseCondition([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cond)
		})
	}
}

func TestConditionEvaluate(t *testing.T) {
	attrs := map[string]interface{}{
		"amount":   2500.0,
		"currency": "EUR",
		"vendor":   "acme",
		"tags":     []interface{}{"urgent", "q3"},
	}

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{name: "gte matches", raw: `{"field":"amount","op":"gte","value":1000}`, want: true},
		{name: "gte boundary", raw: `{"field":"amount","op":"gte","value":2500}`, want: true},
		{name: "gt boundary excluded", raw: `{"field":"amount","op":"gt","value":2500}`, want: false},
		{name: "lt", raw: `{"field":"amount","op":"lt","value":3000}`, want: true},
		{name: "lte", raw: `{"field":"amount","op":"lte","value":2499}`, want: false},
		{name: "eq string", raw: `{"field":"currency","op":"eq","value":"EUR"}`, want: true},
		{name: "neq string", raw: `{"field":"currency","op":"neq","value":"USD"}`, want: true},
		{name: "in list", raw: `{"field":"vendor","op":"in","value":["acme","globex"]}`, want: true},
		{name: "in list miss", raw: `{"field":"vendor","op":"in","value":["globex"]}`, want: false},
		{name: "contains", raw: `{"field":"tags","op":"contains","value":"urgent"}`, want: true},
		{name: "contains miss", raw: `{"field":"tags","op":"contains","value":"q4"}`, want: false},
		{name: "and all true", raw: `{"op":"and","conds":[{"field":"amount","op":"gt","value":1000},{"field":"currency","op":"eq","value":"EUR"}]}`, want: true},
		{name: "and one false", raw: `{"op":"and","conds":[{"field":"amount","op":"gt","value":1000},{"field":"currency","op":"eq","value":"USD"}]}`, want: false},
		{name: "or one true", raw: `{"op":"or","conds":[{"field":"currency","op":"eq","value":"USD"},{"field":"vendor","op":"eq","value":"acme"}]}`, want: true},
		{name: "not", raw: `{"op":"not","conds":[{"field":"currency","op":"eq","value":"USD"}]}`, want: true},
		{name: "missing field fails closed", raw: `{"field":"department","op":"eq","value":"sales"}`, want: false},
		{name: "type mismatch fails closed", raw: `{"field":"currency","op":"gt","value":10}`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := ParseCondition([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cond.Evaluate(attrs))
		})
	}
}

// Attribute maps built in Go code carry int values; stored conditions decode
// numbers as float64. Comparison must not care.
func TestConditionEvaluate_NumericNormalization(t *testing.T) {
	cond, err := ParseCondition([]byte(`{"field":"amount","op":"eq","value":1000}`))
	require.NoError(t, err)

	assert.True(t, cond.Evaluate(map[string]interface{}{"amount": 1000}))
	assert.True(t, cond.Evaluate(map[string]interface{}{"amount": int64(1000)}))
	assert.True(t, cond.Evaluate(map[string]interface{}{"amount": 1000.0}))
	assert.False(t, cond.Evaluate(map[string]interface{}{"amount": "1000"}))
}
