package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
)

// QueueCommandDeps holds the dependencies for queue inspection commands.
type QueueCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	OpenQueue  func(context.Context, *config.Config) (queues.Queue, error)
}

// DefaultQueueDeps returns the default dependencies for production use.
func DefaultQueueDeps() *QueueCommandDeps {
	return &QueueCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.Load("") },
		OpenQueue:  openSharedQueue,
	}
}

// openSharedQueue opens the Redis job queue. The memory queue lives inside the
// server process and cannot be inspected from outside.
func openSharedQueue(ctx context.Context, cfg *config.Config) (queues.Queue, error) {
	if cfg.Queue.Backend != config.BackendRedis {
		return nil, fmt.Errorf("queue.backend is %s; only the redis queue can be inspected from the CLI", cfg.Queue.Backend)
	}
	rdb, err := connectToRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &clientQueue{Queue: queues.NewRedisQueue(rdb, cfg.Queue.Config), rdb: rdb}, nil
}

// clientQueue closes the Redis connection along with the queue.
type clientQueue struct {
	queues.Queue
	rdb *redis.Client
}

func (q *clientQueue) Close() error {
	_ = q.Queue.Close()
	return q.rdb.Close()
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(deps *QueueCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultQueueDeps()
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the stage job queue",
		Long: `Inspect the shared stage job queue.

Jobs that exhaust their retries, or fail with a permanent error, are parked
in the dead-letter list together with the reason.

Examples:
  lexireport queue depth
  lexireport queue dead-letters --limit 50
  lexireport queue dead-letters -o json`,
	}

	cmd.AddCommand(newQueueDepthCommand(deps))
	cmd.AddCommand(newQueueDeadLettersCommand(deps))
	return cmd
}

func (d *QueueCommandDeps) open(cmd *cobra.Command) (queues.Queue, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	d.Config = cfg
	return d.OpenQueue(commandContext(cmd), cfg)
}

func newQueueDepthCommand(deps *QueueCommandDeps) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "depth",
		Short: "Show queue sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := deps.open(cmd)
			if err != nil {
				return err
			}
			defer q.Close()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			d, err := q.Depth(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("reading queue depth: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, d, func(w io.Writer) error {
				fmt.Fprintf(w, "Queue:        %s\n", q.Name())
				fmt.Fprintf(w, "  Ready:      %d\n", d.Ready)
				fmt.Fprintf(w, "  Delayed:    %d\n", d.Delayed)
				fmt.Fprintf(w, "  Processing: %d\n", d.Processing)
				fmt.Fprintf(w, "  Dead:       %d\n", d.DeadLetter)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newQueueDeadLettersCommand(deps *QueueCommandDeps) *cobra.Command {
	var (
		outputFormat string
		limit        int
	)

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered jobs",
		Long: `List jobs parked in the dead-letter list, oldest first.

A dead-lettered required stage fails its report. Fix the cause and use
'lexireport rerun <report-id> <stage>' to try the stage again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := deps.open(cmd)
			if err != nil {
				return err
			}
			defer q.Close()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			dead, err := q.DeadLetters(commandContext(cmd), limit)
			if err != nil {
				return fmt.Errorf("listing dead letters: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, dead, func(w io.Writer) error {
				printDeadLetters(w, dead)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	return cmd
}

func printDeadLetters(w io.Writer, dead []queues.DeadLetter) {
	if len(dead) == 0 {
		fmt.Fprintln(w, "No dead-lettered jobs.")
		return
	}
	fmt.Fprintf(w, "%-38s %-12s %-10s %-9s %s\n", "REPORT", "STAGE", "MOVED", "ATTEMPTS", "REASON")
	for _, d := range dead {
		m := d.Message
		fmt.Fprintf(w, "%-38s %-12s %-10s %-9d %s\n",
			m.Job.ReportID, m.Job.Stage, formatAge(d.MovedAt), m.Deliveries, truncate(d.Reason, 60))
	}
}
