package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/g8r/g8r/pkg/reconciler"
)

func newServeCommand() *cobra.Command {
	var noMetrics bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation scheduler",
		Long: `Run the reconciliation scheduler until interrupted.

On start, executions abandoned by a previous process are failed so their
pair locks are released. Then every stack is synced on its interval (and on
change, for local directories) and every active queue is consumed.`,
		Example: `  # Serve with g8r.yaml from the working directory
  g8r serve

  # Serve with an explicit config and no metrics endpoint
  g8r serve --config /etc/g8r/g8r.yaml --no-metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noMetrics {
				a.telemetry.StartMetricsServer()
			}

			log.Info().
				Str("store", a.cfg.Store.Driver).
				Int("concurrency", a.cfg.Engine.Concurrency).
				Dur("default_interval", a.cfg.Stacks.DefaultInterval).
				Msg("Starting g8r")

			scheduler := reconciler.NewScheduler(a.store, a.stacks, a.queues, a.cfg.Engine.StaleExecutionAfter, a.logger)
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve the metrics endpoint")

	return cmd
}
