package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/notify"
)

// EventsCommandDeps holds the dependencies for the events command.
type EventsCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	OpenRedis  func(context.Context, *config.Config) (redis.UniversalClient, error)
}

// DefaultEventsDeps returns the default dependencies for production use.
func DefaultEventsDeps() *EventsCommandDeps {
	return &EventsCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.Load("") },
		OpenRedis: func(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
			return connectToRedis(ctx, cfg)
		},
	}
}

// NewEventsCommand creates the events command.
func NewEventsCommand(deps *EventsCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEventsDeps()
	}
	var (
		outputFormat string
		reportID     string
		eventType    string
		count        int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow report lifecycle events",
		Long: `Follow report lifecycle events as they are published on Redis.

The server must run with notifications.publish: true. Events are printed as
they arrive until interrupted, or until --count events have been shown. With
--output json each event is printed as one JSON object per line.

Event types:
  stage.completed       A stage produced an insight
  stage.dead_lettered   A stage exhausted its retries
  report.ready          Every required stage succeeded
  report.failed         A required stage was dead-lettered
  report.cancelled      The report was cancelled

Examples:
  lexireport events
  lexireport events --report 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10
  lexireport events --type report.ready --count 1 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			deps.Config = cfg

			format, err := resolveFormat(cfg, outputFormat)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rdb, err := deps.OpenRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			return followEvents(ctx, rdb, cfg.Notifications.ChannelPrefix, eventFilter{
				reportID:  reportID,
				eventType: notify.EventType(eventType),
				count:     count,
			}, format, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json")
	cmd.Flags().StringVar(&reportID, "report", "", "Only show events for this report")
	cmd.Flags().StringVar(&eventType, "type", "", "Only show this event type")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 follows forever)")
	return cmd
}

type eventFilter struct {
	reportID  string
	eventType notify.EventType
	count     int
}

func (f eventFilter) match(ev notify.Event) bool {
	if f.reportID != "" && ev.ReportID != f.reportID {
		return false
	}
	if f.eventType != "" && ev.Type != f.eventType {
		return false
	}
	return true
}

func followEvents(ctx context.Context, rdb redis.UniversalClient, prefix string, filter eventFilter, format config.OutputFormat, w io.Writer) error {
	pattern := prefix + "*"
	if filter.eventType != "" {
		pattern = prefix + string(filter.eventType)
	}
	sub := rdb.PSubscribe(ctx, pattern)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no event is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	seen := 0
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if !filter.match(ev) {
				continue
			}
			if err := printEvent(w, format, ev); err != nil {
				return err
			}
			seen++
			if filter.count > 0 && seen >= filter.count {
				return nil
			}
		}
	}
}

func printEvent(w io.Writer, format config.OutputFormat, ev notify.Event) error {
	if format == config.OutputFormatJSON {
		return json.NewEncoder(w).Encode(ev)
	}
	stage := ""
	if ev.Stage != "" {
		stage = " stage=" + string(ev.Stage)
	}
	_, err := fmt.Fprintf(w, "%s  %-20s report=%s%s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.ReportID, stage)
	return err
}
