package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jeeves/internal/run"
	"jeeves/internal/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflow definitions",
	}
	cmd.AddCommand(newWorkflowValidateCmd())
	return cmd
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a workflow YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.ParseFile(args[0])
			if err != nil {
				return &exitCodeError{code: run.ExitCode(run.ReasonInvalid), msg: err.Error()}
			}
			fmt.Printf("%s workflow %s: %d phases, start %s\n",
				green("valid"), bold(wf.Name), len(wf.Phases), cyan(wf.Start))
			return nil
		},
	}
}
