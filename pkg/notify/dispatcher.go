package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// Delivery statuses recorded in metrics.
const (
	StatusDelivered = "delivered"
	StatusRetried   = "retried"
	StatusFailed    = "failed"
)

// Config configures a Dispatcher.
type Config struct {
	// Retry governs per-subscriber redelivery. Only MaxAttempts and the
	// backoff fields are used.
	Retry *retry.Policy
	// PollWait bounds each outbox read.
	PollWait time.Duration
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Retry: &retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
		PollWait: 2 * time.Second,
	}
}

// Dispatcher appends events to an outbox and fans them out to subscribers.
type Dispatcher struct {
	outbox      Outbox
	subscribers []Subscriber
	cfg         Config
	metrics     *observability.Metrics
	logger      logging.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(outbox Outbox, subscribers []Subscriber, cfg Config, metrics *observability.Metrics, logger logging.Logger) *Dispatcher {
	d := DefaultConfig()
	if cfg.Retry == nil {
		cfg.Retry = d.Retry
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = d.PollWait
	}
	return &Dispatcher{
		outbox:      outbox,
		subscribers: subscribers,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With(logging.F("component", "dispatcher")),
	}
}

// Dispatch records ev in the outbox. Failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if err := d.outbox.Append(ctx, ev); err != nil {
		d.logger.Error("Failed to record event",
			logging.Err(err),
			logging.F("event_id", ev.ID),
			logging.F("type", string(ev.Type)),
			logging.F("report_id", ev.ReportID))
	}
}

// Run delivers outbox events until ctx is done. Each event goes to every
// subscriber concurrently; a subscriber that keeps failing is given up on
// after the retry policy's attempts, without affecting the others. The event
// is acked once every subscriber has been tried.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started", logging.F("subscribers", len(d.subscribers)))
	defer d.logger.Info("Dispatcher stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		batch, err := d.outbox.Read(ctx, d.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrOutboxClosed) {
				return nil
			}
			d.logger.Warn("Outbox read failed", logging.Err(err))
			if !sleep(ctx, d.cfg.PollWait) {
				return nil
			}
			continue
		}

		for _, del := range batch {
			d.deliver(ctx, del.Event)
			if ctx.Err() != nil {
				// Leave the entry pending so it is read again on restart.
				return nil
			}
			if err := d.outbox.Ack(ctx, del.ID); err != nil {
				d.logger.Warn("Outbox ack failed", logging.Err(err), logging.F("event_id", del.Event.ID))
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	var wg sync.WaitGroup
	for _, sub := range d.subscribers {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			d.deliverTo(ctx, sub, ev)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) deliverTo(ctx context.Context, sub Subscriber, ev Event) {
	limit := d.cfg.Retry.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	for attempt := 1; ; attempt++ {
		err := sub.Notify(ctx, ev)
		if err == nil {
			d.metrics.RecordNotification(sub.Name(), StatusDelivered)
			return
		}
		if attempt >= limit || ctx.Err() != nil {
			d.metrics.RecordNotification(sub.Name(), StatusFailed)
			d.logger.Error("Notification delivery failed",
				logging.Err(err),
				logging.F("subscriber", sub.Name()),
				logging.F("event_id", ev.ID),
				logging.F("type", string(ev.Type)),
				logging.F("attempts", attempt))
			return
		}
		d.metrics.RecordNotification(sub.Name(), StatusRetried)
		if !sleep(ctx, d.cfg.Retry.Backoff(attempt)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
