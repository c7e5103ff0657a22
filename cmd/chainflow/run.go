package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		payloadArg string
		userID     string
		persist    bool
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow definition file and print the result",
		Long: "Run a workflow definition file and print the result as JSON.\n" +
			"State is kept in memory unless --persist is set, so a run that suspends\n" +
			"can only be resumed later when it was persisted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			payload, err := parsePayload(payloadArg)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), opts.cfg.LogLevel, false)
			a, err := buildApp(cmd.Context(), opts.cfg, logger, !persist)
			if err != nil {
				return err
			}
			defer a.close()
			return runDefinition(cmd.Context(), a, def, engine.StartRequest{UserID: userID, Payload: payload}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&payloadArg, "payload", "p", "", "trigger payload as JSON, or @file to read it from a file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user the run acts for")
	cmd.Flags().BoolVar(&persist, "persist", false, "store the run in the configured database")
	return cmd
}

func runDefinition(ctx context.Context, a *app, def *schema.WorkflowDefinition, req engine.StartRequest, out io.Writer) error {
	if err := a.validator.Validate(def).ToError(); err != nil {
		return err
	}
	if err := a.validator.ValidatePayload(def, req.Payload); err != nil {
		return err
	}
	res, err := a.engine.Start(ctx, *def, req)
	if err != nil {
		return err
	}
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if res.Status == schema.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", res.RunID, res.Error)
	}
	return nil
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := xjson.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return &def, nil
}

func parsePayload(arg string) (map[string]any, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return map[string]any{}, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	var payload map[string]any
	if err := xjson.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func writeJSON(w io.Writer, v any) error {
	b, err := xjson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
