// Package handlers holds the provider handlers that ship with chainflow. They
// are registered under the "core" prefix, e.g. "core.http_request".
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/expressions"
)

// Prefix is the provider prefix of the bundled handlers.
const Prefix = "core"

// Tokens is the credential capability the HTTP handler needs.
// *credentials.Service satisfies it.
type Tokens interface {
	AccessToken(ctx context.Context, userID, provider string) (string, error)
	Refresh(ctx context.Context, userID, provider string) (string, error)
}

// Config tunes the bundled handlers.
type Config struct {
	HTTPClient      *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Logger          *slog.Logger
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// Handlers carries the shared dependencies of the bundled handlers.
type Handlers struct {
	tokens Tokens
	cfg    Config
	expr   *expressions.ExprEngine
	jq     *expressions.GoJQEngine
}

// New creates the bundled handlers. tokens may be nil, in which case
// credential-backed requests fail with a configuration error.
func New(tokens Tokens, cfg Config) *Handlers {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "handlers")
	return &Handlers{
		tokens: tokens,
		cfg:    cfg,
		expr:   expressions.NewExprEngine(),
		jq:     expressions.NewGoJQEngine(),
	}
}

// Register adds every bundled handler to r.
func (h *Handlers) Register(r *dispatch.Registry) (int, error) {
	return r.RegisterProvider(Prefix, map[string]dispatch.NodeHandler{
		"http_request":   dispatch.RecordFunc(h.httpRequest),
		"transform_expr": dispatch.ContextFunc(h.transformExpr),
		"transform_jq":   dispatch.PositionalFunc(h.transformJQ),
		"hash":           dispatch.PositionalFunc(h.hashData),
		"hmac":           dispatch.PositionalFunc(h.hmacData),
		"uuid":           dispatch.HandlerFunc(newUUID),
	})
}

// Param helpers shared by the handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
