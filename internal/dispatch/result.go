package dispatch

import (
	"context"
	"time"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// ActionResult is the uniform outcome of every node dispatch. Handler
// failures are values, never panics or errors crossing the node boundary.
type ActionResult struct {
	Success      bool           `json:"success"`
	Output       map[string]any `json:"output,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	StopWorkflow bool           `json:"stopWorkflow,omitempty"`

	// Branch, when non-nil, replaces default edge traversal with the edges
	// carrying one of its labels. An empty Labels halts the branch.
	Branch *Branch `json:"-"`
	// Loop carries the next loop state for loop nodes.
	Loop *LoopStep `json:"-"`
	// Suspend halts the run until an external resume.
	Suspend *schema.Suspension `json:"-"`
}

// Branch lists the active outgoing edge labels of a branching node.
type Branch struct {
	Labels []string
}

// LoopStep is one loop call: the iteration produced (nil once exhausted)
// and the state to persist for the next call.
type LoopStep struct {
	Iteration *schema.LoopIteration
	State     schema.LoopState
}

// Done reports whether the loop produced no body iteration.
func (s *LoopStep) Done() bool {
	return s.Iteration == nil || s.Iteration.Empty
}

// Success builds a successful result.
func Success(output map[string]any) ActionResult {
	if output == nil {
		output = map[string]any{}
	}
	return ActionResult{Success: true, Output: output}
}

// Failure builds a failed result from err, keeping its FlowError code.
func Failure(err error) ActionResult {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeHandler
	}
	return ActionResult{Success: false, Error: err.Error(), ErrorCode: code, Output: map[string]any{}}
}

// IsConfigurationError reports whether the failure must not be retried.
func (r ActionResult) IsConfigurationError() bool {
	return r.ErrorCode == schema.ErrCodeConfiguration
}

// Call is everything a handler may need for one dispatch.
type Call struct {
	Node       schema.Node
	Config     map[string]any
	Input      map[string]any
	Data       expressions.Context
	UserID     string
	WorkflowID string
	RunID      string
	// LoopState is the previously persisted state when a loop node is re-entered.
	LoopState *schema.LoopState
	Now       time.Time
}

// NodeHandler executes one node kind.
type NodeHandler interface {
	Handle(ctx context.Context, call *Call) ActionResult
}

// HandlerFunc adapts a function to NodeHandler.
type HandlerFunc func(ctx context.Context, call *Call) ActionResult

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call *Call) ActionResult {
	return f(ctx, call)
}
