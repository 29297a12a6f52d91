package cmd

import (
	"github.com/spf13/cobra"
)

func registerPrimeCmd(root *cobra.Command, opts *globalOptions) {
	var (
		runID     string
		force     bool
		artifacts []string
	)

	primeCmd := &cobra.Command{
		Use:   "prime",
		Short: "Plan which artifacts to reload into the current context",
		Long: `Plan which artifacts to reload into the current context.

Artifacts loaded within the staleness window are skipped unless --force is
given. --artifact restricts the plan to artifact ids matching a glob and may
be repeated.

Examples:
  # Reload everything the active run needs
  continuum prime

  # Reload only the plan, even if it was loaded a minute ago
  continuum prime --artifact plan --force

  # Prime a run that is not the active one
  continuum prime --run my-feature-20260501T120000Z-a1b2c3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.coord.OnManualPrime(cmd.Context(), a.workspace, runID, force, artifacts)
			if err != nil {
				return err
			}
			return a.printResult(res)
		},
	}

	primeCmd.Flags().StringVar(&runID, "run", "", "Run ID (default: the active run)")
	primeCmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore the staleness window")
	primeCmd.Flags().StringArrayVarP(&artifacts, "artifact", "a", nil, "Only plan artifact ids matching this glob (repeatable)")

	root.AddCommand(primeCmd)
}
