// Package flow implements the built-in node kinds: triggers, filter, path,
// router, loop and the three suspension primitives.
package flow

import (
	"context"
	"log/slog"
	"time"

	"dario.cat/mergo"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultStopMessage is the filter stop reason when none is configured.
const DefaultStopMessage = "Filter conditions not met"

// Builtins returns a handler for every built-in node kind.
func Builtins(ev *conditions.Evaluator, logger *slog.Logger) map[schema.NodeType]dispatch.NodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{ev: ev, logger: logger.With("component", "flow")}
	return map[schema.NodeType]dispatch.NodeHandler{
		schema.NodeTrigger:         dispatch.HandlerFunc(h.trigger),
		schema.NodeWebhookTrigger:  dispatch.HandlerFunc(h.trigger),
		schema.NodeScheduleTrigger: dispatch.HandlerFunc(h.trigger),
		schema.NodeFilter:          dispatch.HandlerFunc(h.filter),
		schema.NodePath:            dispatch.HandlerFunc(h.path),
		schema.NodeRouter:          dispatch.HandlerFunc(h.router),
		schema.NodeLoop:            dispatch.HandlerFunc(h.loop),
		schema.NodeWaitForTime:     dispatch.HandlerFunc(h.waitForTime),
		schema.NodeWaitForEvent:    dispatch.HandlerFunc(h.waitForEvent),
		schema.NodeHumanApproval:   dispatch.HandlerFunc(h.humanApproval),
	}
}

type handlers struct {
	ev     *conditions.Evaluator
	logger *slog.Logger
}

func (h *handlers) trigger(_ context.Context, call *dispatch.Call) dispatch.ActionResult {
	return dispatch.Success(copyMap(call.Input))
}

func (h *handlers) filter(ctx context.Context, call *dispatch.Call) dispatch.ActionResult {
	var cfg schema.FilterConfig
	if err := decodeConfig(call, &cfg); err != nil {
		return dispatch.Failure(err)
	}
	data, err := ConditionData(call)
	if err != nil {
		return dispatch.Failure(err)
	}
	passed, path := EvaluateFilter(ctx, h.ev, cfg, data)
	if passed {
		return dispatch.Success(passThrough(call.Input, map[string]any{"passed": true}))
	}

	msg := cfg.StopMessage
	if msg == "" {
		msg = DefaultStopMessage
	}
	h.logger.DebugContext(ctx, "filter stopped branch", "node_id", call.Node.ID, "conditions", len(path.Conditions))
	return dispatch.ActionResult{
		Success:      false,
		StopWorkflow: true,
		Message:      msg,
		Output:       map[string]any{"passed": false, "reason": msg},
	}
}

func (h *handlers) path(ctx context.Context, call *dispatch.Call) dispatch.ActionResult {
	return h.branch(ctx, call, false)
}

func (h *handlers) router(ctx context.Context, call *dispatch.Call) dispatch.ActionResult {
	return h.branch(ctx, call, true)
}

func (h *handlers) branch(ctx context.Context, call *dispatch.Call, fanOut bool) dispatch.ActionResult {
	var cfg schema.BranchConfig
	if err := decodeConfig(call, &cfg); err != nil {
		return dispatch.Failure(err)
	}
	if err := ValidateBranchConfig(cfg); err != nil {
		return dispatch.Failure(err.WithNode(call.Node.ID))
	}

	data, err := ConditionData(call)
	if err != nil {
		return dispatch.Failure(err)
	}
	labels, matched := SelectBranches(ctx, h.ev, cfg, fanOut, data)
	taken := ""
	if len(labels) > 0 {
		taken = labels[0]
	}
	res := dispatch.Success(passThrough(call.Input, map[string]any{
		"pathTaken":   taken,
		"activePaths": toAny(labels),
		"matched":     matched,
	}))
	res.Branch = &dispatch.Branch{Labels: labels}
	if len(labels) == 0 {
		res.Message = "no path matched"
	}
	return res
}

func (h *handlers) loop(_ context.Context, call *dispatch.Call) dispatch.ActionResult {
	var state schema.LoopState
	if call.LoopState != nil {
		state = *call.LoopState
	} else {
		var cfg schema.LoopConfig
		if err := decodeConfig(call, &cfg); err != nil {
			return dispatch.Failure(err)
		}
		var err error
		if state, err = NewLoopState(cfg); err != nil {
			return dispatch.Failure(err)
		}
	}

	it, next := NextIteration(state)
	res := dispatch.Success(nil)
	res.Loop = &dispatch.LoopStep{Iteration: it, State: next}

	if it == nil {
		res.Output = map[string]any{
			"completed":  true,
			"iterations": next.Iteration,
			"totalItems": next.TotalItems,
		}
	} else {
		res.Output = iterationOutput(state.Mode, it)
	}
	st, err := stateMap(next)
	if err != nil {
		return dispatch.Failure(schema.NewError(schema.ErrCodeHandler, "encode loop state").
			WithNode(call.Node.ID).WithCause(err))
	}
	res.Output[LoopStateKey] = st
	return res
}

// iterationOutput is the loop node's output for one iteration. Count loops
// always carry counter and item, zero included.
func iterationOutput(mode schema.LoopMode, it *schema.LoopIteration) map[string]any {
	out := map[string]any{
		"iteration":          it.Iteration,
		"index":              it.Index,
		"isFirst":            it.IsFirst,
		"isLast":             it.IsLast,
		"progressPercentage": it.ProgressPercentage,
		"totalItems":         it.TotalItems,
		"completed":          it.Empty,
	}
	if mode == schema.LoopModeCount {
		out["counter"] = it.Counter
		out["item"] = it.Counter
		return out
	}
	out["batchSize"] = it.BatchSize
	if it.Empty {
		out["empty"] = true
		return out
	}
	out["batch"] = it.Batch
	if it.BatchSize == 1 {
		out["item"] = it.Item
	}
	return out
}

// LoopStateKey is the output key holding the persisted LoopState.
const LoopStateKey = "loopState"

// LoopStateFromOutput decodes the state persisted by a loop call.
func LoopStateFromOutput(output map[string]any) (*schema.LoopState, bool) {
	raw, ok := output[LoopStateKey]
	if !ok || raw == nil {
		return nil, false
	}
	var st schema.LoopState
	if err := xjson.Convert(raw, &st); err != nil {
		return nil, false
	}
	return &st, true
}

func stateMap(st schema.LoopState) (map[string]any, error) {
	out := map[string]any{}
	if err := xjson.Convert(st, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConditionData is what conditions see: the node input at top level with
// the data-flow context (trigger and node outputs) filling the remaining keys.
func ConditionData(call *dispatch.Call) (map[string]any, error) {
	data := expressions.DeepCopy(orEmpty(call.Input)).(map[string]any)
	if err := mergo.Merge(&data, call.Data.Map()); err != nil {
		return nil, schema.NewError(schema.ErrCodeHandler, "build condition data").
			WithNode(call.Node.ID).WithCause(err)
	}
	return data, nil
}

// passThrough returns control merged over a copy of input; control keys win.
func passThrough(input, control map[string]any) map[string]any {
	out := copyMap(input)
	for k, v := range control {
		out[k] = v
	}
	return out
}

func decodeConfig(call *dispatch.Call, out any) error {
	if err := xjson.Convert(call.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid %s config: %s", call.Node.Type, err.Error()).
			WithNode(call.Node.ID).WithCause(err)
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	return expressions.DeepCopy(orEmpty(m)).(map[string]any)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func now(call *dispatch.Call) time.Time {
	if call.Now.IsZero() {
		return time.Now().UTC()
	}
	return call.Now
}
