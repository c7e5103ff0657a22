package expressions

import (
	"context"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// Engine evaluates one expression language against a data map. CEL backs
// path guards; expr and jq back the transform handlers.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache compiles each source once and hands the program to every
// later caller. Safe for concurrent use.
type programCache[P any] struct {
	lang    string
	compile func(src string) (P, error)

	mu       sync.Mutex
	programs map[string]P
}

func newProgramCache[P any](lang string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{lang: lang, compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	var zero P
	if src == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[src]; ok {
		return p, nil
	}
	p, err := c.compile(src)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %v", c.lang, src, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": src})
	}
	c.programs[src] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// evalError wraps a run-time failure as EXPRESSION_ERROR.
func evalError(lang, src string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: evaluating %q: %v", lang, src, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}
