package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs with the data map as the input document.
// $ENV is always empty.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache("jq", func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, err
		}
		return gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	})}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate collapses the outputs: none is nil, one is returned as is and
// several come back as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	all, err := e.EvaluateAll(ctx, expression, data)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	if len(all) == 1 {
		return all[0], nil
	}
	return all, nil
}

// EvaluateAll returns every output of the program in order.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	code, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	iter := code.RunWithContext(ctx, jqValue(orEmpty(data)))
	var out []any
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// jqValue rewrites Go values into the shapes gojq accepts: every number
// becomes float64 and typed slices become []any.
func jqValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			m[k] = jqValue(item)
		}
		return m
	case []any:
		return jqSlice(t)
	case []map[string]any:
		return jqSlice(t)
	case []string:
		return jqSlice(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

func jqSlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = jqValue(item)
	}
	return out
}

var _ Engine = (*GoJQEngine)(nil)
