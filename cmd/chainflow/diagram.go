package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

func newDiagramCmd(opts *rootOptions) *cobra.Command {
	var (
		format string
		output string
		runID  string
	)
	cmd := &cobra.Command{
		Use:   "diagram [file]",
		Short: "Draw a workflow definition, or a stored run with --run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				def     *schema.WorkflowDefinition
				records []*store.NodeExecution
			)
			switch {
			case runID != "":
				st, closeStore, err := openStore(ctx, opts.cfg, false)
				if err != nil {
					return err
				}
				defer closeStore()
				run, err := st.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				if records, err = st.ListNodeExecutions(ctx, runID); err != nil {
					return err
				}
				def = &run.Definition
			case len(args) == 1:
				var err error
				if def, err = readDefinition(args[0]); err != nil {
					return err
				}
			default:
				return errors.New("a definition file or --run is required")
			}

			model, err := diagram.Build(def, records)
			if err != nil {
				return err
			}
			body, _, err := diagram.Render(ctx, model, format)
			if err != nil {
				return err
			}
			if output != "" {
				if err := os.WriteFile(output, body, 0o644); err != nil {
					return fmt.Errorf("write diagram: %w", err)
				}
				return nil
			}
			if format == string(diagram.FormatPNG) {
				return errors.New("png output needs --output")
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", diagram.FormatASCII, "output format: ascii, mermaid, svg or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&runID, "run", "", "draw a stored run with node status")
	return cmd
}
