package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/g8r/g8r/pkg/engine"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues",
		Long: `Register, list, pause, resume and remove queues.

A queue is a push source: each message is turned into a targeted convergence
request by the queue's message handler (json, starlark or rego).`,
	}

	cmd.AddCommand(newQueueAddCommand())
	cmd.AddCommand(newQueueListCommand())
	cmd.AddCommand(newQueuePauseCommand())
	cmd.AddCommand(newQueueResumeCommand())
	cmd.AddCommand(newQueueRemoveCommand())

	return cmd
}

func newQueueAddCommand() *cobra.Command {
	var (
		queueType     string
		settings      map[string]string
		handler       string
		handlerConfig string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register or update a queue",
		Example: `  # A redis stream whose messages name the duties to converge
  g8r queue add deploys --type redis --config stream=g8r:deploys --handler json

  # A starlark handler configured from a YAML file holding {script: ...}
  g8r queue add alerts --type redis --config stream=alerts --handler starlark --handler-config alerts.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := &engine.Queue{
				Name:           args[0],
				QueueType:      queueType,
				Config:         settings,
				MessageHandler: handler,
			}
			if handlerConfig != "" {
				data, err := os.ReadFile(handlerConfig)
				if err != nil {
					return fmt.Errorf("failed to read handler config: %w", err)
				}
				if err := yaml.Unmarshal(data, &queue.HandlerConfig); err != nil {
					return fmt.Errorf("failed to parse handler config %s: %w", handlerConfig, err)
				}
			}
			if err := validator.New().Struct(queue); err != nil {
				return fmt.Errorf("invalid queue: %w", err)
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if existing, err := a.store.GetQueue(cmd.Context(), queue.Name); err == nil {
				queue.CreatedAt = existing.CreatedAt
				queue.Status = existing.Status
			} else if !engine.IsNotFound(err) {
				return err
			}

			if err := a.store.UpsertQueue(cmd.Context(), queue); err != nil {
				return err
			}
			log.Info().Str("queue", queue.Name).Str("handler", queue.MessageHandler).Msg("Queue registered")
			return nil
		},
	}

	cmd.Flags().StringVarP(&queueType, "type", "t", "redis", "transport: redis or memory")
	cmd.Flags().StringToStringVar(&settings, "config", nil, "transport setting key=value (repeatable)")
	cmd.Flags().StringVar(&handler, "handler", "json", "message handler: json, starlark or rego")
	cmd.Flags().StringVar(&handlerConfig, "handler-config", "", "YAML file with the handler configuration")

	return cmd
}

func newQueueListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues and their consumer state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			queues, err := a.store.ListQueues(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(queues)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tHANDLER\tSTATUS\tERROR")
			for _, q := range queues {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", q.Name, q.QueueType, q.MessageHandler, q.Status, dash(q.Error))
			}
			return w.Flush()
		},
	}
}

func newQueuePauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <name>",
		Short: "Stop consuming a queue",
		Long: `Mark the queue paused. A running server stops its consumer on the next
rescan; messages stay in the transport.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.queues.Pause(cmd.Context(), args[0])
		},
	}
}

func newQueueResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume consuming a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.queues.Resume(cmd.Context(), args[0])
		},
	}
}

func newQueueRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a queue registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.DeleteQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("queue", args[0]).Msg("Queue removed")
			return nil
		},
	}
}
