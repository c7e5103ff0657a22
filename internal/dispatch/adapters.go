package dispatch

import (
	"context"

	"github.com/rendis/chainflow/internal/expressions"
)

// PositionalFunc is the (config, userID, input) handler convention.
type PositionalFunc func(ctx context.Context, config map[string]any, userID string, input map[string]any) (ActionResult, error)

// Handle adapts the positional convention to NodeHandler.
func (f PositionalFunc) Handle(ctx context.Context, call *Call) ActionResult {
	return normalize(f(ctx, call.Config, call.UserID, call.Input))
}

// HandlerArgs is the single-record handler argument.
type HandlerArgs struct {
	Config map[string]any
	UserID string
	Input  map[string]any
}

// RecordFunc is the single-record handler convention.
type RecordFunc func(ctx context.Context, args HandlerArgs) (ActionResult, error)

// Handle adapts the record convention to NodeHandler.
func (f RecordFunc) Handle(ctx context.Context, call *Call) ActionResult {
	return normalize(f(ctx, HandlerArgs{Config: call.Config, UserID: call.UserID, Input: call.Input}))
}

// DataFlow lets a handler resolve {{path}} references itself.
type DataFlow interface {
	ResolveVariable(ref string) any
}

// ExecutionContext is handed to execution-context handlers.
type ExecutionContext struct {
	UserID     string
	WorkflowID string
	RunID      string
	NodeID     string
	Input      map[string]any
	DataFlow   DataFlow
}

// ContextFunc is the execution-context handler convention.
type ContextFunc func(ctx context.Context, config map[string]any, ec *ExecutionContext) (ActionResult, error)

// Handle adapts the execution-context convention to NodeHandler.
func (f ContextFunc) Handle(ctx context.Context, call *Call) ActionResult {
	ec := &ExecutionContext{
		UserID:     call.UserID,
		WorkflowID: call.WorkflowID,
		RunID:      call.RunID,
		NodeID:     call.Node.ID,
		Input:      call.Input,
		DataFlow:   &contextDataFlow{resolver: expressions.NewResolver(), data: call.Data},
	}
	return normalize(f(ctx, call.Config, ec))
}

type contextDataFlow struct {
	resolver *expressions.Resolver
	data     expressions.Context
}

// ResolveVariable accepts either "{{a.b}}" or a bare "a.b".
func (d *contextDataFlow) ResolveVariable(ref string) any {
	if expressions.IsReference(ref) {
		return d.resolver.Resolve(ref, d.data)
	}
	v, _ := d.resolver.Lookup(ref, d.data)
	return v
}

func normalize(res ActionResult, err error) ActionResult {
	if err != nil {
		out := Failure(err)
		if res.Output != nil {
			out.Output = res.Output
		}
		return out
	}
	if !res.Success && res.Error == "" && !res.StopWorkflow {
		res.Error = res.Message
		if res.Error == "" {
			res.Error = "handler reported failure"
		}
	}
	return res
}
