package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the phase of every duty",
		Long: `Show every duty's aggregated phase, its per-roster phases and the error of
its latest execution.`,
		Example: `  g8r status
  g8r status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := engine.BuildStatusReport(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DUTY\tTYPE\tSTACK\tPHASE\tROSTERS\tLAST ERROR")
			for _, s := range report {
				rosters := make([]string, 0, len(s.Targets))
				for _, t := range s.Targets {
					rosters = append(rosters, t.Roster+"="+string(t.Phase))
				}
				fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
					s.Duty, s.Type, s.Backend, dash(s.Stack), s.Phase, dash(strings.Join(rosters, ",")), dash(s.LastError))
			}
			return w.Flush()
		},
	}

	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		sourceType string
		source     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reconciliations",
		Example: `  g8r history --limit 20
  g8r history --source-type queue --source deploy-events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.store.ListReconciliations(cmd.Context(), stores.ReconciliationFilter{
				SourceType: engine.SourceType(sourceType),
				SourceName: source,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(recs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSOURCE\tTRIGGER\tOPERATION\tSTATUS\tDUTIES\tERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.SourceType, r.SourceName,
					r.Trigger, r.Operation, r.Status, len(r.Duties), dash(r.Error))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sourceType, "source-type", "", "filter by source type (stack, queue, manual)")
	cmd.Flags().StringVar(&source, "source", "", "filter by source name")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of reconciliations")

	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
