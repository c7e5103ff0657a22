package conditions

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewEvaluator(expressions.NewResolver(), cel, logger), &buf
}

func cond(field, op string, value any) schema.Condition {
	return schema.Condition{Field: field, Operator: op, Value: value}
}

func TestNormalizeOperator(t *testing.T) {
	cases := map[string]string{
		"equals":       OpEquals,
		"EQUALS":       OpEquals,
		"==":           OpEquals,
		"notEquals":    OpNotEquals,
		"Not Equals":   OpNotEquals,
		"not-contains": OpNotContains,
		"startsWith":   OpStartsWith,
		">=":           OpGreaterEqual,
		"isEmpty":      OpIsEmpty,
		"IS_NOT_EMPTY": OpIsNotEmpty,
		"lte":          OpLessEqual,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeOperator(in), in)
	}
}

func TestKnownOperator(t *testing.T) {
	assert.True(t, KnownOperator("greaterThan"))
	assert.True(t, KnownOperator("!="))
	assert.False(t, KnownOperator("roughly"))
	assert.False(t, KnownOperator(""))
}

func TestEvaluateCondition_Operators(t *testing.T) {
	e, _ := newTestEvaluator(t)
	data := map[string]any{
		"status": "Active",
		"name":   "Quarterly Report",
		"count":  5.0,
		"amount": "12.50",
		"tags":   []any{"vip", "beta", 3.0},
		"empty":  "",
		"none":   []any{},
		"flag":   true,
		"off":    "false",
		"one":    1.0,
		"user":   map[string]any{"email": "a@b.com", "age": 30.0},
	}

	tests := []struct {
		name string
		c    schema.Condition
		want bool
	}{
		{"equals string", cond("status", "equals", "Active"), true},
		{"equals is case sensitive", cond("status", "equals", "active"), false},
		{"equals loose number", cond("count", "equals", "5"), true},
		{"equals loose numeric string", cond("amount", "equals", 12.5), true},
		{"not_equals", cond("status", "not_equals", "inactive"), true},
		{"contains substring lowercases", cond("name", "contains", "REPORT"), true},
		{"contains array member", cond("tags", "contains", "vip"), true},
		{"contains array loose number", cond("tags", "contains", "3"), true},
		{"contains missing", cond("nope", "contains", "x"), false},
		{"not_contains", cond("tags", "not_contains", "gold"), true},
		{"not_contains missing", cond("nope", "not_contains", "x"), true},
		{"starts_with", cond("name", "starts_with", "quarter"), true},
		{"ends_with", cond("name", "ends_with", "REPORT"), true},
		{"ends_with missing", cond("nope", "ends_with", ""), false},
		{"greater_than", cond("count", "greater_than", 4), true},
		{"greater_than string field", cond("amount", "greater_than", "12"), true},
		{"less_than", cond("count", "less_than", 5), false},
		{"greater_equal", cond("count", "greater_equal", 5), true},
		{"less_equal", cond("user.age", "less_equal", "30"), true},
		{"numeric non-number", cond("status", "greater_than", 1), false},
		{"is_empty string", cond("empty", "is_empty", nil), true},
		{"is_empty array", cond("none", "is_empty", nil), true},
		{"is_empty missing", cond("nope", "is_empty", nil), true},
		{"is_not_empty", cond("status", "is_not_empty", nil), true},
		{"is_true bool", cond("flag", "is_true", nil), true},
		{"is_true number", cond("one", "is_true", nil), true},
		{"is_false string", cond("off", "is_false", nil), true},
		{"is_false on true", cond("flag", "is_false", nil), false},
		{"nested path", cond("user.email", "equals", "a@b.com"), true},
		{"template field", cond("{{user.email}}", "ends_with", "b.com"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateCondition(tt.c, data))
		})
	}
}

func TestEvaluateCondition_Pure(t *testing.T) {
	e, _ := newTestEvaluator(t)
	data := map[string]any{"status": "active", "n": 3.0}

	for _, op := range []string{OpEquals, OpContains, OpGreaterThan, OpIsEmpty, OpIsTrue, "bogus"} {
		c := cond("status", op, "act")
		first := e.EvaluateCondition(c, data)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, e.EvaluateCondition(c, data), op)
		}
	}
	assert.Equal(t, map[string]any{"status": "active", "n": 3.0}, data)
}

func TestEvaluateCondition_UnknownOperator(t *testing.T) {
	e, buf := newTestEvaluator(t)

	assert.NotPanics(t, func() {
		assert.False(t, e.EvaluateCondition(cond("a", "roughly", 1), map[string]any{"a": 1}))
	})
	assert.Contains(t, buf.String(), "unknown condition operator")
}

func TestEvaluateCondition_VariableValue(t *testing.T) {
	e, _ := newTestEvaluator(t)
	data := map[string]any{
		"status":  "gold",
		"trigger": map[string]any{"tier": "gold"},
	}

	c := schema.Condition{Field: "status", Operator: "equals", Value: "{{trigger.tier}}", IsVariable: true}
	assert.True(t, e.EvaluateCondition(c, data))

	c.IsVariable = false
	assert.False(t, e.EvaluateCondition(c, data), "unflagged templates compare literally")
}

func TestEvaluatePath(t *testing.T) {
	e, _ := newTestEvaluator(t)
	data := map[string]any{"status": "active", "count": 2.0}

	assert.True(t, e.EvaluatePath(context.Background(), schema.ConditionalPath{}, data))

	and := schema.ConditionalPath{
		LogicOperator: "and",
		Conditions:    []schema.Condition{cond("status", "equals", "active"), cond("count", "greater_than", 5)},
	}
	assert.False(t, e.EvaluatePath(context.Background(), and, data))

	or := and
	or.LogicOperator = "OR"
	assert.True(t, e.EvaluatePath(context.Background(), or, data))

	noOp := and
	noOp.LogicOperator = ""
	assert.False(t, e.EvaluatePath(context.Background(), noOp, data), "defaults to and")
}

func TestEvaluatePath_Expression(t *testing.T) {
	e, buf := newTestEvaluator(t)
	data := map[string]any{"count": 7.0}

	p := schema.ConditionalPath{ID: "big", Expression: `data.count > 5.0`}
	assert.True(t, e.EvaluatePath(context.Background(), p, data))

	p.Conditions = []schema.Condition{cond("count", "less_than", 3)}
	assert.False(t, e.EvaluatePath(context.Background(), p, data))

	p.LogicOperator = "or"
	assert.True(t, e.EvaluatePath(context.Background(), p, data))

	bad := schema.ConditionalPath{ID: "bad", Expression: `data.count >`}
	assert.False(t, e.EvaluatePath(context.Background(), bad, data))
	assert.Contains(t, buf.String(), "path expression failed")

	noCEL := NewEvaluator(nil, nil, nil)
	assert.False(t, noCEL.EvaluatePath(context.Background(), schema.ConditionalPath{Expression: "true"}, data))
}
