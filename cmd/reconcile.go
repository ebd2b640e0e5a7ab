package cmd

import (
	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reclassifies tasks interrupted by a previous process",
		Long: `Marks tasks whose checkpoints still say starting or running as resumable
when their last activity is within the staleness window, or stopped otherwise.
Prints the summary as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := a.Reconcile(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		},
	}
}
