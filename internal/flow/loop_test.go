package flow

import (
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, st schema.LoopState) []*schema.LoopIteration {
	t.Helper()
	var out []*schema.LoopIteration
	for i := 0; i < 1000; i++ {
		it, next := NextIteration(st)
		if it == nil {
			return out
		}
		out = append(out, it)
		st = next
	}
	t.Fatal("loop did not terminate")
	return nil
}

func TestLoop_ItemsBatches(t *testing.T) {
	st, err := NewLoopState(schema.LoopConfig{
		LoopMode:  schema.LoopModeItems,
		Items:     []any{"a", "b", "c", "d", "e"},
		BatchSize: 2,
	})
	require.NoError(t, err)

	it, st := NextIteration(st)
	require.NotNil(t, it)
	assert.Equal(t, []any{"a", "b"}, it.Batch)
	assert.False(t, it.IsLast)
	assert.True(t, it.IsFirst)
	assert.Equal(t, 40, it.ProgressPercentage)
	assert.Equal(t, 1, it.Iteration)

	it, st = NextIteration(st)
	require.NotNil(t, it)
	assert.Equal(t, []any{"c", "d"}, it.Batch)
	assert.Equal(t, 80, it.ProgressPercentage)

	it, st = NextIteration(st)
	require.NotNil(t, it)
	assert.Equal(t, []any{"e"}, it.Batch)
	assert.True(t, it.IsLast)
	assert.Equal(t, 100, it.ProgressPercentage)
	assert.Equal(t, 4, it.Index)

	it, _ = NextIteration(st)
	assert.Nil(t, it)
}

func TestLoop_ItemsSingle(t *testing.T) {
	st, err := NewLoopState(schema.LoopConfig{Items: []any{1.0, 2.0}})
	require.NoError(t, err)

	its := drain(t, st)
	require.Len(t, its, 2)
	assert.Equal(t, 1.0, its[0].Item)
	assert.Equal(t, 2.0, its[1].Item)
	assert.Equal(t, 50, its[0].ProgressPercentage)
	assert.True(t, its[1].IsLast)
}

func TestLoop_BatchSizeClamped(t *testing.T) {
	st, err := NewLoopState(schema.LoopConfig{Items: []any{"x", "y"}, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, st.BatchSize)

	st, err = NewLoopState(schema.LoopConfig{Items: []any{"x"}, BatchSize: -3})
	require.NoError(t, err)
	assert.Equal(t, 1, st.BatchSize)
}

func TestLoop_EmptyItems(t *testing.T) {
	st, err := NewLoopState(schema.LoopConfig{LoopMode: schema.LoopModeItems, Items: []any{}})
	require.NoError(t, err)

	it, next := NextIteration(st)
	require.NotNil(t, it)
	assert.True(t, it.Empty)
	assert.True(t, it.IsFirst)
	assert.True(t, it.IsLast)
	assert.Equal(t, 0, it.TotalItems)
	assert.Empty(t, it.Batch)

	it, _ = NextIteration(next)
	assert.Nil(t, it)
}

func TestLoop_CountMode(t *testing.T) {
	step := 3.0
	st, err := NewLoopState(schema.LoopConfig{
		LoopMode:      schema.LoopModeCount,
		Count:         5,
		InitialValue:  10,
		StepIncrement: &step,
	})
	require.NoError(t, err)

	its := drain(t, st)
	require.Len(t, its, 5)
	assert.Equal(t, 10.0, its[0].Counter)
	assert.True(t, its[0].IsFirst)
	assert.Equal(t, 22.0, its[4].Counter)
	assert.True(t, its[4].IsLast)
	assert.Equal(t, 5, its[4].Iteration)
	assert.Equal(t, 100, its[4].ProgressPercentage)
	assert.Equal(t, 20, its[0].ProgressPercentage)
}

func TestLoop_CountDefaultStep(t *testing.T) {
	st, err := NewLoopState(schema.LoopConfig{Count: 3})
	require.NoError(t, err)
	assert.Equal(t, schema.LoopModeCount, st.Mode)

	its := drain(t, st)
	require.Len(t, its, 3)
	assert.Equal(t, []float64{0, 1, 2}, []float64{its[0].Counter, its[1].Counter, its[2].Counter})
}

func TestLoop_CountBounds(t *testing.T) {
	_, err := NewLoopState(schema.LoopConfig{LoopMode: schema.LoopModeCount, Count: 501})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = NewLoopState(schema.LoopConfig{LoopMode: schema.LoopModeCount, Count: 0})
	assert.Error(t, err)

	_, err = NewLoopState(schema.LoopConfig{LoopMode: schema.LoopModeCount, Count: 500})
	assert.NoError(t, err)

	_, err = NewLoopState(schema.LoopConfig{LoopMode: "while"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestLoop_StateIsCarriedNotRecomputed(t *testing.T) {
	st, err := NewLoopState(schema.LoopConfig{Items: []any{"a", "b", "c"}})
	require.NoError(t, err)

	_, afterFirst := NextIteration(st)
	again, _ := NextIteration(st)
	assert.Equal(t, "a", again.Item, "the same prior state yields the same iteration")

	second, _ := NextIteration(afterFirst)
	assert.Equal(t, "b", second.Item)
}

func TestNormalizeItems(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []any
	}{
		{"nil", nil, []any{}},
		{"array", []any{1, 2}, []any{1, 2}},
		{"typed slice", []string{"a", "b"}, []any{"a", "b"}},
		{"json array string", `[1, "x"]`, []any{1.0, "x"}},
		{"json object string", `{"rows": [3]}`, []any{3.0}},
		{"plain string", "hello", []any{"hello"}},
		{"empty string", "  ", []any{}},
		{"scalar", 42.0, []any{42.0}},
		{"object with array", map[string]any{"meta": "m", "rows": []any{"r1"}}, []any{"r1"}},
		{"first array by sorted key", map[string]any{"zeta": []any{"z"}, "alpha": []any{"a"}}, []any{"a"}},
		{"json object keeps sorted key rule", `{"zeta": ["z"], "alpha": ["a"]}`, []any{"a"}},
		{"object entries", map[string]any{"b": 2, "a": 1}, []any{
			map[string]any{"key": "a", "value": 1},
			map[string]any{"key": "b", "value": 2},
		}},
		{"typed map", map[string]string{"k": "v"}, []any{map[string]any{"key": "k", "value": "v"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeItems(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
