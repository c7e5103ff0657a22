package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rendis/chainflow/internal/api"
	"github.com/rendis/chainflow/pkg/mcp"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API, the MCP SSE transport, the scheduler and webhook delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg)
		},
	}
}

func serve(ctx context.Context, cfg Config) error {
	logger := newLogger(os.Stderr, cfg.LogLevel, true)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	a, err := buildApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.scheduler.Stop(); err != nil {
			logger.Warn("scheduler stop failed", "error", err)
		}
	}()

	hooksCtx, stopHooks := context.WithCancel(ctx)
	deliveries := make(chan struct{})
	go func() {
		defer close(deliveries)
		if err := a.webhooks.Run(hooksCtx); err != nil {
			logger.Error("webhook dispatcher stopped", "error", err)
		}
	}()
	defer func() {
		stopHooks()
		<-deliveries
	}()

	e := a.handler(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("chainflow listening", "addr", cfg.ListenAddr, "version", version, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// handler builds the REST API and, when enabled, mounts the MCP SSE
// transport under /mcp.
func (a *app) handler(ctx context.Context) *echo.Echo {
	deps := api.Deps{
		Store:     a.store,
		Runner:    a.engine,
		Validator: a.validator,
		Scheduler: a.scheduler,
		Hub:       a.hub,
		Webhooks:  a.webhooks,
		Logger:    a.logger,
		Version:   version,
	}
	if a.credentials != nil {
		deps.Credentials = a.credentials
	}
	e := api.NewServer(deps).Echo()

	if a.cfg.MCPHTTP {
		tools := mcp.NewServer(mcp.ServerDeps{
			Runner:    a.engine,
			Validator: a.validator,
			Store:     a.store,
			Hub:       a.hub,
			Logger:    a.logger,
			Version:   version,
		})
		e.Any("/mcp/*", echo.WrapHandler(tools.HTTPHandler(ctx, "/mcp")))
	}
	return e
}
