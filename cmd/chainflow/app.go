package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/credentials"
	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/flow"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/internal/secrets"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/internal/webhooks"
)

// app is the wired object graph shared by the serve, mcp and run commands.
type app struct {
	cfg         Config
	logger      *slog.Logger
	store       store.Store
	registry    *dispatch.Registry
	engine      *engine.Engine
	validator   *validation.WorkflowValidator
	scheduler   *scheduler.Scheduler
	credentials *credentials.Service
	hub         *streaming.MemoryHub
	webhooks    *webhooks.Dispatcher
	closers     []func() error
}

func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newRegistry builds the handler registry: control-flow builtins plus the
// bundled core handlers. tokens may be nil.
func newRegistry(tokens handlers.Tokens, logger *slog.Logger) (*dispatch.Registry, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	ev := conditions.NewEvaluator(expressions.NewResolver(), cel, logger)
	reg, err := dispatch.NewRegistry(flow.Builtins(ev, logger), logger)
	if err != nil {
		return nil, err
	}
	if _, err := handlers.New(tokens, handlers.Config{Logger: logger}).Register(reg); err != nil {
		return nil, fmt.Errorf("register core handlers: %w", err)
	}
	reg.Freeze()
	return reg, nil
}

// openStore opens the libSQL store, or an in-memory one when memory is set.
func openStore(ctx context.Context, cfg Config, memory bool) (store.Store, func() error, error) {
	if memory {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" && !strings.Contains(cfg.DBPath, "://") {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, s.Close, nil
}

// buildApp wires store, registry, engine, validator, scheduler, webhook
// delivery and credentials. Credentials stay disabled without a vault key.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger, memory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub()}

	st, closeStore, err := openStore(ctx, cfg, memory)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	var tokens handlers.Tokens
	if cfg.VaultKey != "" {
		vault, err := secrets.New(st, secrets.ParseConfig(cfg.VaultKey))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("vault: %w", err)
		}
		a.credentials = credentials.New(vault, cfg.OAuth, credentials.WithLogger(logger))
		tokens = a.credentials
	} else if len(cfg.OAuth) > 0 {
		logger.Warn("oauth providers configured without vault_key, credentials disabled")
	}

	if a.registry, err = newRegistry(tokens, logger); err != nil {
		a.close()
		return nil, err
	}
	if a.validator, err = validation.NewWorkflowValidator(a.registry); err != nil {
		a.close()
		return nil, err
	}

	a.engine = engine.New(st, a.registry, engine.Config{
		NodeWorkers: cfg.PoolSize,
		RunWorkers:  cfg.MaxConcurrentRuns,
		Breakers:    engine.DefaultBreakerConfig(),
		Events:      a.hub,
		Logger:      logger,
	})
	a.closers = append(a.closers, func() error { a.engine.Shutdown(); return nil })

	a.scheduler = scheduler.NewScheduler(st, a.engine, scheduler.Config{
		PollInterval:  cfg.PollInterval,
		TimerInterval: cfg.TimerInterval,
	}, logger)
	a.webhooks = webhooks.New(st, a.hub, webhooks.Config{
		Timeout:  cfg.WebhookTimeout,
		Attempts: cfg.WebhookAttempts,
	}, logger)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
