package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Open the configured store and apply any pending schema migrations.

Every command migrates on open; this command only does that and checks the
connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.HealthCheck(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", a.cfg.Store.Driver).Msg("Store migrated")
			return nil
		},
	}
}
