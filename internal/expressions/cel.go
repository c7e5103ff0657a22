package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/chainflow/pkg/schema"
)

// CELEngine evaluates path guards. Two variables are declared, both
// map(string, dyn): data holds the node input merged over the run context,
// trigger holds the trigger payload.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	obj := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(cel.Variable("data", obj), cel.Variable(TriggerKey, obj))
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.cache = newProgramCache("cel", e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, iss := e.env.Compile(src)
	if err := iss.Err(); err != nil {
		return nil, err
	}
	return e.env.Program(ast)
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	trigger, _ := data[TriggerKey].(map[string]any)
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"data":     orEmpty(data),
		TriggerKey: orEmpty(trigger),
	})
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool fails with EXPRESSION_ERROR when the guard yields anything
// but a bool.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression, "cel: %q yields %T, want bool", expression, out)
}

var _ Engine = (*CELEngine)(nil)
