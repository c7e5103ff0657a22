package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/validation"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), opts.cfg.LogLevel, false)
			reg, err := newRegistry(nil, logger)
			if err != nil {
				return err
			}
			wv, err := validation.NewWorkflowValidator(reg)
			if err != nil {
				return err
			}
			res := wv.Validate(def)
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"valid":    res.Valid(),
				"errors":   res.Errors,
				"warnings": res.Warnings,
			}); err != nil {
				return err
			}
			return res.ToError()
		},
	}
}
