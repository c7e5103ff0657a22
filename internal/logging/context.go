// Package logging carries run correlation IDs on the context and stamps
// them onto slog records.
package logging

import (
	"context"
	"log/slog"
)

// Fields are the correlation IDs of the work a context belongs to.
type Fields struct {
	RunID      string
	WorkflowID string
	NodeID     string
	UserID     string
}

type fieldsKey struct{}

// FromContext returns the IDs set on ctx. Missing IDs are empty.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func update(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithRun sets the IDs shared by every node of a run.
func WithRun(ctx context.Context, runID, workflowID, userID string) context.Context {
	return update(ctx, func(f *Fields) {
		f.RunID, f.WorkflowID, f.UserID = runID, workflowID, userID
	})
}

func WithRunID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.RunID = id })
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.NodeID = id })
}

func RunID(ctx context.Context) string { return FromContext(ctx).RunID }
func WorkflowID(ctx context.Context) string { return FromContext(ctx).WorkflowID }
func NodeID(ctx context.Context) string { return FromContext(ctx).NodeID }
func UserID(ctx context.Context) string { return FromContext(ctx).UserID }

// Attrs lists the non-empty IDs.
func (f Fields) Attrs() []slog.Attr {
	pairs := [...]struct{ key, val string }{
		{"run_id", f.RunID},
		{"workflow_id", f.WorkflowID},
		{"node_id", f.NodeID},
		{"user_id", f.UserID},
	}
	out := make([]slog.Attr, 0, len(pairs))
	for _, p := range pairs {
		if p.val != "" {
			out = append(out, slog.String(p.key, p.val))
		}
	}
	return out
}

// LogWith binds the IDs on ctx to logger, for code that logs without
// passing ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := FromContext(ctx).Attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the IDs of the record's context to every record,
// so logger.InfoContext(ctx, ...) needs no explicit attributes.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).Attrs()...)
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}
