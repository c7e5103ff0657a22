package handlers

import (
	"context"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/pkg/schema"
)

// transformExpr evaluates an expr-lang expression. The environment holds
// the node input as "input", config "data" as "data", and every entry of
// config "vars" resolved against the run's data context. A map result is
// used as the output when "spread" is true, otherwise it lands under "result".
func (h *Handlers) transformExpr(ctx context.Context, cfg map[string]any, ec *dispatch.ExecutionContext) (dispatch.ActionResult, error) {
	expression := stringParam(cfg, "expression", "")
	if expression == "" {
		return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "transform_expr: missing required config 'expression'")
	}

	env := map[string]any{
		"input":      ec.Input,
		"data":       cfg["data"],
		"runId":      ec.RunID,
		"workflowId": ec.WorkflowID,
	}
	for name, ref := range mapParam(cfg, "vars") {
		if s, ok := ref.(string); ok {
			env[name] = ec.DataFlow.ResolveVariable(s)
		} else {
			env[name] = ref
		}
	}

	result, err := h.expr.Evaluate(ctx, expression, env)
	if err != nil {
		return dispatch.ActionResult{}, err
	}
	if m, ok := result.(map[string]any); ok && boolParam(cfg, "spread", false) {
		return dispatch.Success(m), nil
	}
	return dispatch.Success(map[string]any{"result": result}), nil
}

// transformJQ runs a jq query over config "data", or over the node input
// when no data is configured. Non-object data is wrapped as {"data": value}.
// Output is {"result": first} or, with "all", {"results": [...]}.
func (h *Handlers) transformJQ(ctx context.Context, cfg map[string]any, _ string, input map[string]any) (dispatch.ActionResult, error) {
	query := stringParam(cfg, "query", "")
	if query == "" {
		return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "transform_jq: missing required config 'query'")
	}

	doc := input
	if raw, ok := cfg["data"]; ok {
		if m, isMap := raw.(map[string]any); isMap {
			doc = m
		} else {
			doc = map[string]any{"data": raw}
		}
	}

	results, err := h.jq.EvaluateAll(ctx, query, doc)
	if err != nil {
		return dispatch.ActionResult{}, err
	}
	if boolParam(cfg, "all", false) {
		if results == nil {
			results = []any{}
		}
		return dispatch.Success(map[string]any{"results": results}), nil
	}
	var first any
	if len(results) > 0 {
		first = results[0]
	}
	return dispatch.Success(map[string]any{"result": first}), nil
}
