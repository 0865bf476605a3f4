package commands

import (
	"github.com/spf13/cobra"

	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/reconciler"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <stack>",
		Short: "Sync a stack now",
		Long: `Fetch the stack's current revision and converge it immediately.

A new revision is imported before the pass. An unchanged revision re-runs the
stack's unconverged duties, or records a noop reconciliation when everything
has converged.`,
		Example: `  g8r sync web`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.stacks.SyncStack(cmd.Context(), args[0], true, engine.TriggerManual)
			if err != nil {
				return err
			}
			return printReconciliation(rec)
		},
	}

	return cmd
}

func newConvergeCommand() *cobra.Command {
	var (
		duties  []string
		rosters []string
	)

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge stored duties without fetching any source",
		Long: `Run one convergence pass over the duties already in the store.

Without --duty every duty is converged. Dependencies outside the selection
must already be deployed; otherwise the selected duty is reported blocked.`,
		Example: `  # Converge everything
  g8r converge

  # Converge one duty on one roster
  g8r converge --duty cdn --roster prod-us`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.converger.Converge(cmd.Context(), reconciler.Pass{
				SourceType: engine.SourceTypeManual,
				SourceName: "cli",
				Trigger:    engine.TriggerManual,
				Duties:     duties,
				Rosters:    rosters,
			})
			if err != nil {
				return err
			}
			return printReconciliation(rec)
		},
	}

	cmd.Flags().StringSliceVarP(&duties, "duty", "d", nil, "duty to converge (repeatable)")
	cmd.Flags().StringSliceVarP(&rosters, "roster", "r", nil, "roster to converge on (repeatable)")

	return cmd
}

func newDestroyCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "destroy <stack>",
		Short: "Destroy every resource declared by a stack",
		Long: `Drive every (duty, roster) pair of the stack to absent, dependents first.

The stack and its declarations stay in the store; remove them with
'g8r stack remove' afterwards.`,
		Example: `  g8r destroy web --confirm`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.stacks.DestroyStack(cmd.Context(), args[0], confirm)
			if err != nil {
				return err
			}
			return printReconciliation(rec)
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm destruction")

	return cmd
}
