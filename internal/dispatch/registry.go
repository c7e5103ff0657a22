package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// Registry maps node types to handlers. Built-in kinds are fixed at
// construction; provider handlers are added under any other type key until
// Freeze is called, after which the registry is read-only.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[schema.NodeType]NodeHandler
	providers map[string]NodeHandler
	frozen    bool

	tracer trace.Tracer
	logger *slog.Logger
}

// HandlerInfo describes one registered type.
type HandlerInfo struct {
	Type    string `json:"type"`
	Builtin bool   `json:"builtin"`
}

// NewRegistry creates a registry. builtins must cover every schema.BuiltinNodeTypes kind.
func NewRegistry(builtins map[schema.NodeType]NodeHandler, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		builtins:  make(map[schema.NodeType]NodeHandler, len(schema.BuiltinNodeTypes)),
		providers: make(map[string]NodeHandler),
		tracer:    otel.Tracer("github.com/rendis/chainflow/internal/dispatch"),
		logger:    logger.With("component", "dispatch"),
	}
	for t, h := range builtins {
		if !t.IsBuiltin() {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "%q is not a built-in node type", t)
		}
		if h == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "nil handler for built-in %q", t)
		}
		r.builtins[t] = h
	}
	for _, t := range schema.BuiltinNodeTypes {
		if _, ok := r.builtins[t]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "missing handler for built-in %q", t)
		}
	}
	return r, nil
}

// Register adds a provider handler. Built-in names, duplicates and
// registration after Freeze are rejected.
func (r *Registry) Register(nodeType string, h NodeHandler) error {
	if nodeType == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type is empty")
	}
	if h == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler for %q is nil", nodeType)
	}
	if schema.NodeType(nodeType).IsBuiltin() {
		return schema.NewErrorf(schema.ErrCodeConflict, "%q is a built-in node type", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return schema.NewErrorf(schema.ErrCodeConflict, "registry is frozen; cannot register %q", nodeType)
	}
	if _, exists := r.providers[nodeType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", nodeType)
	}
	r.providers[nodeType] = h
	return nil
}

// RegisterPositional registers a handler using the (config, userID, input) convention.
func (r *Registry) RegisterPositional(nodeType string, fn PositionalFunc) error {
	return r.Register(nodeType, fn)
}

// RegisterRecord registers a handler using the HandlerArgs record convention.
func (r *Registry) RegisterRecord(nodeType string, fn RecordFunc) error {
	return r.Register(nodeType, fn)
}

// RegisterContext registers a handler using the execution-context convention.
func (r *Registry) RegisterContext(nodeType string, fn ContextFunc) error {
	return r.Register(nodeType, fn)
}

// RegisterProvider bulk-registers handlers as "prefix.name" (e.g. "gmail.send").
func (r *Registry) RegisterProvider(prefix string, handlers map[string]NodeHandler) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	registered := 0
	for _, name := range names {
		if err := r.Register(fmt.Sprintf("%s.%s", prefix, name), handlers[name]); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Has reports whether nodeType resolves to a handler.
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.lookup(nodeType)
	return ok
}

// List returns every registered type, sorted.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.builtins)+len(r.providers))
	for t := range r.builtins {
		infos = append(infos, HandlerInfo{Type: string(t), Builtin: true})
	}
	for t := range r.providers {
		infos = append(infos, HandlerInfo{Type: t})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

func (r *Registry) lookup(nodeType string) (NodeHandler, bool) {
	if h, ok := r.builtins[schema.NodeType(nodeType)]; ok {
		return h, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.providers[nodeType]
	return h, ok
}

// Dispatch runs the handler for nodeType with an empty data-flow context.
func (r *Registry) Dispatch(ctx context.Context, nodeType string, config map[string]any, userID string, input map[string]any) (ActionResult, error) {
	return r.DispatchCall(ctx, &Call{
		Node:   schema.Node{Type: schema.NodeType(nodeType), Config: config},
		Config: config,
		Input:  input,
		Data:   expressions.Context{},
		UserID: userID,
		Now:    time.Now().UTC(),
	})
}

// DispatchCall runs the handler for call.Node.Type. An unknown type is a
// CONFIGURATION_ERROR returned to the caller; anything the handler does,
// including panicking, comes back as an ActionResult.
func (r *Registry) DispatchCall(ctx context.Context, call *Call) (ActionResult, error) {
	nodeType := string(call.Node.Type)
	h, ok := r.lookup(nodeType)
	if !ok {
		return ActionResult{}, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown node type %q", nodeType).
			WithNode(call.Node.ID)
	}
	if call.Config == nil {
		call.Config = map[string]any{}
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}
	if call.Data == nil {
		call.Data = expressions.Context{}
	}
	if call.Now.IsZero() {
		call.Now = time.Now().UTC()
	}

	ctx, span := r.tracer.Start(ctx, "dispatch "+nodeType, trace.WithAttributes(
		attribute.String("chainflow.node.id", call.Node.ID),
		attribute.String("chainflow.node.type", nodeType),
		attribute.String("chainflow.run.id", call.RunID),
	))
	defer span.End()

	res := r.invoke(ctx, h, call)
	if res.Output == nil {
		res.Output = map[string]any{}
	}
	if !res.Success && !res.StopWorkflow {
		span.SetStatus(codes.Error, res.Error)
	}
	return res, nil
}

func (r *Registry) invoke(ctx context.Context, h NodeHandler, call *Call) (res ActionResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "handler panicked",
				"node_type", call.Node.Type, "panic", p, "stack", string(debug.Stack()))
			res = ActionResult{
				Success:   false,
				Error:     fmt.Sprintf("handler panic: %v", p),
				ErrorCode: schema.ErrCodeHandler,
			}
		}
	}()
	return h.Handle(ctx, call)
}
