package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/reload"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func registerWorkflowCmd(root *cobra.Command, opts *globalOptions) {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflow definitions",
		Long: `Inspect workflow definitions.

Definitions are looked up as <id>.yaml in the workspace state directory's
workflows/ folder, then in workflow.search_paths, then in the user config
directory, then among the built-ins.`,
	}

	workflowCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the workflows visible from the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			ids := a.workflows.Available(a.workspace)
			if a.json {
				return writeJSON(a.out, ids)
			}
			for _, id := range ids {
				fmt.Fprintf(a.out, "%s  %s\n", id, a.styles.muted.Render(a.workflows.Source(a.workspace, id)))
			}
			return nil
		},
	})

	workflowCmd.AddCommand(&cobra.Command{
		Use:   "show [workflow-id]",
		Short: "Print a workflow definition (default: workflow.default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			id := a.cfg.Workflow.Default
			if len(args) == 1 {
				id = args[0]
			}
			def, err := a.workflows.Definition(a.workspace, id)
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(a.out, def)
			}
			data, err := yaml.Marshal(def)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "# source: %s\n%s", a.workflows.Source(a.workspace, id), data)
			return nil
		},
	})

	workflowCmd.AddCommand(&cobra.Command{
		Use:   "validate [workflow-id]",
		Short: "Check a workflow's reload triggers and conditions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			id := a.cfg.Workflow.Default
			if len(args) == 1 {
				id = args[0]
			}
			def, err := a.workflows.Definition(a.workspace, id)
			if err != nil {
				return err
			}
			problems := checkReloadSpecs(def)
			if len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintf(a.out, "%s %s\n", a.styles.failure.Render("error:"), p)
				}
				return fmt.Errorf("%w: workflow %s has %d invalid reload specs", errors.ErrInvalidInput, id, len(problems))
			}
			fmt.Fprintf(a.out, "%s %s\n", id, a.styles.success.Render("ok"))
			return nil
		},
	})

	root.AddCommand(workflowCmd)
}

// checkReloadSpecs parses every condition of def. Loading a definition
// checks its structure and trigger patterns but not condition syntax.
func checkReloadSpecs(def *workflowdef.Definition) []string {
	var problems []string
	for _, spec := range def.CriticalArtifacts.All() {
		if strings.TrimSpace(spec.Condition) == "" {
			continue
		}
		if _, err := reload.ParseCondition(spec.Condition); err != nil {
			problems = append(problems, fmt.Sprintf("%s: condition %q: %v", spec.ID, spec.Condition, err))
		}
	}
	return problems
}
