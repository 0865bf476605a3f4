package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/g8r/g8r/pkg/engine"
)

func newStackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Manage stacks",
		Long: `Register, list and remove stacks.

A stack is a pull source of desired state: a git repository, an S3 prefix or
a local directory holding roster and duty declarations under its config path.`,
	}

	cmd.AddCommand(newStackAddCommand())
	cmd.AddCommand(newStackListCommand())
	cmd.AddCommand(newStackRemoveCommand())

	return cmd
}

func newStackAddCommand() *cobra.Command {
	var (
		sourceType string
		source     map[string]string
		configPath string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register or update a stack",
		Example: `  # A git repository, polled every 5 minutes
  g8r stack add web --type git --source url=https://github.com/acme/infra.git --source branch=main --path stacks/web

  # An S3 prefix
  g8r stack add edge --type s3 --source bucket=acme-infra --source prefix=edge/ --interval 1m

  # A local directory, synced on every change
  g8r stack add dev --type local --source path=./infra`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack := &engine.Stack{
				Name:       args[0],
				SourceType: sourceType,
				Source:     source,
				ConfigPath: configPath,
				Interval:   interval,
			}
			if err := validator.New().Struct(stack); err != nil {
				return fmt.Errorf("invalid stack: %w", err)
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if existing, err := a.store.GetStack(cmd.Context(), stack.Name); err == nil {
				stack.CreatedAt = existing.CreatedAt
				stack.LastSyncAt = existing.LastSyncAt
				stack.LastSyncVersion = existing.LastSyncVersion
				stack.Status = existing.Status
			} else if !engine.IsNotFound(err) {
				return err
			}

			if err := a.store.UpsertStack(cmd.Context(), stack); err != nil {
				return err
			}

			log.Info().Str("stack", stack.Name).Str("type", stack.SourceType).Msg("Stack registered")
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourceType, "type", "t", "", "source type: git, s3 or local")
	cmd.Flags().StringToStringVarP(&source, "source", "s", nil, "source setting key=value (repeatable)")
	cmd.Flags().StringVarP(&configPath, "path", "p", "", "configuration root inside the source")
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync interval (default from config)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newStackListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stacks and their sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			stacks, err := a.store.ListStacks(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(stacks)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tINTERVAL\tSTATUS\tREVISION\tLAST SYNC\tERROR")
			for _, s := range stacks {
				interval := a.cfg.Stacks.DefaultInterval
				if s.Interval > 0 {
					interval = s.Interval
				}
				lastSync := "-"
				if s.LastSyncAt != nil {
					lastSync = s.LastSyncAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Name, s.SourceType, interval, s.Status, dash(shortRevision(s.LastSyncVersion)), lastSync, dash(s.Error))
			}
			return w.Flush()
		},
	}
}

func newStackRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a stack registration",
		Long: `Remove a stack registration. Its rosters and duties stay in the store;
destroy their resources first with 'g8r destroy'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.DeleteStack(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("stack", args[0]).Msg("Stack removed")
			return nil
		},
	}
}

// shortRevision trims long revisions for table output.
func shortRevision(rev string) string {
	if len(rev) > 19 {
		return rev[:19]
	}
	return rev
}
