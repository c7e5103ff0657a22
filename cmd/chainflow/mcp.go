package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(os.Stderr, opts.cfg.LogLevel, true)
			a, err := buildApp(ctx, opts.cfg, logger, memory)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = a.scheduler.Stop() }()

			return mcp.NewServer(mcp.ServerDeps{
				Runner:    a.engine,
				Validator: a.validator,
				Store:     a.store,
				Hub:       a.hub,
				Logger:    logger,
				Version:   version,
			}).Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep state in memory instead of the database")
	return cmd
}
