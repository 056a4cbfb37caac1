package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/pkg/schema"
)

func newDiagramCmd() *cobra.Command {
	var (
		format        string
		executionPath string
	)

	cmd := &cobra.Command{
		Use:   "diagram FILE",
		Short: "Render a workflow definition as Mermaid or ASCII",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}

			var exec *schema.Execution
			if executionPath != "" {
				exec = &schema.Execution{}
				if err := readDocument(executionPath, exec); err != nil {
					return err
				}
				// an exported execution carries the stored workflow id
				if exec.WorkflowID != "" && exec.WorkflowID != wf.ID {
					wf.ID = exec.WorkflowID
				}
			}

			model, err := diagram.Build(wf, exec)
			if err != nil {
				return err
			}
			out, err := diagram.Render(model, format)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", diagram.FormatMermaid, "output format: mermaid or ascii")
	cmd.Flags().StringVar(&executionPath, "execution", "", "execution record (JSON) to overlay")
	return cmd
}
