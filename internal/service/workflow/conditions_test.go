package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func TestEvaluate(t *testing.T) {
	ctx := map[string]any{
		"research": map[string]any{
			"score":  float64(82),
			"status": "approved",
			"tags":   []any{"urgent", "b2b"},
		},
		"items":       []any{map[string]any{"name": "first"}},
		"nothing":     nil,
		"triggerData": map[string]any{"amount": "150"},
	}

	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{"equals string", model.Condition{Field: "research.status", Operator: model.OpEquals, Value: "approved"}, true},
		{"equals int vs float", model.Condition{Field: "research.score", Operator: model.OpEquals, Value: 82}, true},
		{"equals missing", model.Condition{Field: "research.missing", Operator: model.OpEquals, Value: "x"}, false},
		{"not equals differs", model.Condition{Field: "research.status", Operator: model.OpNotEquals, Value: "rejected"}, true},
		{"not equals missing", model.Condition{Field: "nope", Operator: model.OpNotEquals, Value: "x"}, true},
		{"contains substring", model.Condition{Field: "research.status", Operator: model.OpContains, Value: "prov"}, true},
		{"contains element", model.Condition{Field: "research.tags", Operator: model.OpContains, Value: "b2b"}, true},
		{"contains absent element", model.Condition{Field: "research.tags", Operator: model.OpContains, Value: "b2c"}, false},
		{"greater than", model.Condition{Field: "research.score", Operator: model.OpGreaterThan, Value: 80}, true},
		{"less than", model.Condition{Field: "research.score", Operator: model.OpLessThan, Value: 80}, false},
		{"numeric string", model.Condition{Field: "triggerData.amount", Operator: model.OpGreaterThan, Value: 100}, true},
		{"non-numeric compare", model.Condition{Field: "research.status", Operator: model.OpGreaterThan, Value: 1}, false},
		{"exists", model.Condition{Field: "research.score", Operator: model.OpExists}, true},
		{"exists nil", model.Condition{Field: "nothing", Operator: model.OpExists}, false},
		{"array index", model.Condition{Field: "items.0.name", Operator: model.OpEquals, Value: "first"}, true},
		{"array out of range", model.Condition{Field: "items.3.name", Operator: model.OpExists}, false},
		{"unknown operator", model.Condition{Field: "research.score", Operator: "matches", Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluate(tt.cond, ctx))
		})
	}
}

func TestConditionsMetRequiresAll(t *testing.T) {
	ctx := map[string]any{"a": float64(1), "b": "x"}
	assert.True(t, conditionsMet(nil, ctx))
	assert.True(t, conditionsMet([]model.Condition{
		{Field: "a", Operator: model.OpEquals, Value: 1},
		{Field: "b", Operator: model.OpExists},
	}, ctx))
	assert.False(t, conditionsMet([]model.Condition{
		{Field: "a", Operator: model.OpEquals, Value: 1},
		{Field: "c", Operator: model.OpExists},
	}, ctx))
}
