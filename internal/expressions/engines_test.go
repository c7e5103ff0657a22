package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- CEL ---

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_DataAndTrigger(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"status":  "active",
		"trigger": map[string]any{"amount": 120.0},
	}

	ok, err := e.EvaluateBool(context.Background(), `data.status == "active" && trigger.amount > 100.0`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingTriggerDefaultsToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `!("amount" in trigger)`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "data.status ==", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_NonBoolGuard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `data.n > 1.0`, map[string]any{"n": 2.0})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.size())
}

// --- Expr ---

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	data := map[string]any{"items": []any{1.0, 2.0, 3.0}, "name": "ada"}

	out, err := e.Evaluate(context.Background(), `sum(items)`, data)
	require.NoError(t, err)
	assert.Equal(t, 6.0, out)

	out, err = e.Evaluate(context.Background(), `upper(name)`, data)
	require.NoError(t, err)
	assert.Equal(t, "ADA", out)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_SameExpressionDifferentShapes(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `x`, map[string]any{"x": "s"})
	require.NoError(t, err)
	assert.Equal(t, "s", out)

	out, err = e.Evaluate(context.Background(), `x`, map[string]any{"x": 4.0})
	require.NoError(t, err)
	assert.Equal(t, 4.0, out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

// --- GoJQ ---

func TestGoJQ_SelectAndReshape(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{
		"users": []any{
			map[string]any{"name": "a", "active": true},
			map[string]any{"name": "b", "active": false},
		},
	}

	out, err := e.Evaluate(context.Background(), `[.users[] | select(.active) | .name]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.xs[]`, map[string]any{"xs": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	all, err := e.EvaluateAll(context.Background(), `empty`, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGoJQ_EnvIsEmpty(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
