package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// errInvalid makes the command exit non-zero after the report is printed.
var errInvalid = errors.New("one or more definitions are invalid")

func newValidateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate workflow definitions (JSON or YAML) without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := actions.NewRegistry()
			if err := actions.RegisterBuiltins(reg, actions.BuiltinConfig{}); err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(reg)
			if err != nil {
				return err
			}

			reports := make(map[string]*schema.ValidationResult, len(args))
			failed := false
			for _, path := range args {
				wf, err := loadWorkflow(path)
				if err != nil {
					return err
				}
				res := v.ValidateWorkflow(wf)
				reports[path] = res
				if !res.Valid() {
					failed = true
				}
				if !jsonOutput {
					printReport(cmd.OutOrStdout(), path, res)
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			}
			if failed {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the reports as JSON")
	return cmd
}

func printReport(w io.Writer, path string, res *schema.ValidationResult) {
	status := "ok"
	if !res.Valid() {
		status = "invalid"
	}
	fmt.Fprintf(w, "%s: %s\n", path, status)
	for _, issue := range res.Issues() {
		fmt.Fprintf(w, "  %s\n", issue)
	}
}
