// Package queues provides the delayed, prioritized, at-least-once job queue
// that feeds analysis workers.
package queues

import (
	"context"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// JobMessage is the payload of a queued message. It only references the job;
// workers re-read the job record before doing anything.
type JobMessage struct {
	JobID    string             `json:"job_id"`
	ReportID string             `json:"report_id"`
	Stage    analysis.StageName `json:"stage"`
	Priority analysis.Priority  `json:"priority"`
}

// QueuedMessage wraps a JobMessage with delivery metadata. The message id is
// the job id, so a job has at most one message in the queue.
type QueuedMessage struct {
	ID         string     `json:"id"`
	Job        JobMessage `json:"job"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	// Deliveries counts how many times the message has been handed out,
	// including the current delivery.
	Deliveries int `json:"deliveries"`
	// Receipt identifies this delivery. Settling a message requires the
	// receipt of its latest delivery.
	Receipt string `json:"-"`
}

// DeadLetter is a message parked after exhausting its attempts.
type DeadLetter struct {
	Message QueuedMessage `json:"message"`
	Reason  string        `json:"reason"`
	MovedAt time.Time     `json:"moved_at"`
	Queue   string        `json:"queue"`
}

// Depth is a snapshot of queue sizes.
type Depth struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// Queue is a job queue shared by many producers and workers.
//
// A dequeued message stays invisible for the visibility timeout. If it is
// neither acked nor nacked by then it is redelivered, so consumers must be
// idempotent. Interactive messages are always handed out before batch ones;
// within a priority, delivery is FIFO by the time the message became ready.
type Queue interface {
	Name() string

	// Enqueue adds msg, visible after delay, and returns the message id.
	// Returns ErrAlreadyQueued if the job already has a message, in flight
	// or not.
	Enqueue(ctx context.Context, msg JobMessage, delay time.Duration) (string, error)

	// Dequeue blocks up to wait for a visible message. It returns ErrQueueEmpty
	// when nothing arrived in time.
	Dequeue(ctx context.Context, wait time.Duration) (*QueuedMessage, error)

	// Ack removes a delivered message permanently. Ack, Nack and
	// MoveToDeadLetter return ErrStaleReceipt once the message has been
	// redelivered to another consumer.
	Ack(ctx context.Context, msg *QueuedMessage) error

	// Nack returns a delivered message to the queue, visible after delay.
	Nack(ctx context.Context, msg *QueuedMessage, delay time.Duration) error

	// MoveToDeadLetter parks a delivered message with a reason.
	MoveToDeadLetter(ctx context.Context, msg *QueuedMessage, reason string) error

	// Remove drops the message of a job that is waiting to be delivered. It
	// reports false when there is no such message or it is in flight.
	Remove(ctx context.Context, jobID string) (bool, error)

	// DeadLetters returns up to limit parked messages, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	Depth(ctx context.Context) (Depth, error)

	Close() error
}

// Config configures queue behavior.
type Config struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	// PollInterval is how often a blocked Dequeue re-checks for work.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the configuration of the analysis job queue.
func DefaultConfig() Config {
	return Config{
		Name:              "analysis:jobs",
		VisibilityTimeout: 10 * time.Minute,
		RetentionPeriod:   7 * 24 * time.Hour,
		PollInterval:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
