package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g8r/g8r/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		dot     bool
		destroy bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the dependency plan of every roster",
		Long: `Resolve the dependency plan of every roster from the stored duties and
print the order duties would be applied (or, with --destroy, destroyed) in.
Nothing is executed.

A cycle or a dependency on a duty not selected for the roster is a plan error.`,
		Example: `  # Print the apply order per roster
  g8r plan

  # Print the destroy order
  g8r plan --destroy

  # Render the plans with Graphviz
  g8r plan --dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			duties, err := a.store.ListDuties(cmd.Context())
			if err != nil {
				return err
			}
			rosters, err := a.store.ListRosters(cmd.Context())
			if err != nil {
				return err
			}

			plans, failed := a.dispatcher.Plan(duties, rosters)

			names := make([]string, 0, len(plans))
			for name := range plans {
				names = append(names, name)
			}
			sort.Strings(names)

			failedNames := make([]string, 0, len(failed))
			for name := range failed {
				failedNames = append(failedNames, name)
			}
			sort.Strings(failedNames)

			if jsonOutput {
				errs := make(map[string]string, len(failed))
				for name, err := range failed {
					errs[name] = err.Error()
				}
				if err := printJSON(map[string]interface{}{"plans": plans, "errors": errs}); err != nil {
					return err
				}
				return planFailure(failedNames)
			}

			op := engine.OperationApply
			if destroy {
				op = engine.OperationDestroy
			}

			for _, name := range names {
				plan := plans[name]
				if dot {
					fmt.Printf("// roster %s\n%s", name, plan.ToDOT())
					continue
				}
				fmt.Printf("%s:\n", name)
				for i, duty := range planOrder(plan, op) {
					deps := plan.Dependencies[duty]
					if op == engine.OperationDestroy {
						deps = plan.Dependents[duty]
					}
					if len(deps) == 0 {
						fmt.Printf("  %d. %s\n", i+1, duty)
						continue
					}
					fmt.Printf("  %d. %s (after %s)\n", i+1, duty, strings.Join(deps, ", "))
				}
			}
			for _, name := range failedNames {
				fmt.Printf("%s:\n  plan error: %v\n", name, failed[name])
			}
			if len(names) == 0 && len(failedNames) == 0 {
				fmt.Println("No duty matches any roster")
			}
			return planFailure(failedNames)
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the plans as Graphviz DOT")
	cmd.Flags().BoolVar(&destroy, "destroy", false, "show the destroy order")

	return cmd
}

// planFailure reports the rosters whose plan did not resolve.
func planFailure(rosters []string) error {
	if len(rosters) == 0 {
		return nil
	}
	return fmt.Errorf("plan failed for roster(s): %s", strings.Join(rosters, ", "))
}

// planOrder is the order a plan is walked in for op.
func planOrder(plan *engine.Plan, op engine.Operation) []string {
	if op == engine.OperationDestroy {
		return plan.Reverse()
	}
	return plan.Order
}
