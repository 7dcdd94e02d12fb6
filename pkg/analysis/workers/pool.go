// Package workers runs analysis stage jobs pulled from the job queue.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// DefaultStageTimeout is the hard timeout of a capability call when the
// stage does not set one.
const DefaultStageTimeout = 2 * time.Minute

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// Config configures a worker pool.
type Config struct {
	Count int `yaml:"count"`
	// PollInterval bounds each blocking dequeue.
	PollInterval time.Duration `yaml:"poll_interval"`
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// RecoveryInterval is how often stale jobs are swept; zero disables the sweep.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	// RecoveryGrace is how long past its scheduled time a pending or failed
	// job may sit before it is re-enqueued.
	RecoveryGrace time.Duration `yaml:"recovery_grace"`
	RecoveryBatch int           `yaml:"recovery_batch"`

	// Lease is how long a claimed job belongs to the worker running it. It is
	// set from the queue visibility timeout.
	Lease time.Duration `yaml:"-"`

	// DepthInterval is how often queue depth is exported; zero disables it.
	DepthInterval time.Duration `yaml:"depth_interval"`
}

// DefaultConfig returns default worker pool settings.
func DefaultConfig() Config {
	return Config{
		Count:            4,
		PollInterval:     time.Second,
		StageTimeout:     DefaultStageTimeout,
		RecoveryInterval: time.Minute,
		RecoveryGrace:    15 * time.Minute,
		RecoveryBatch:    100,
		DepthInterval:    15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Count <= 0 {
		c.Count = d.Count
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = d.RecoveryGrace
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = d.RecoveryBatch
	}
	return c
}

// Worker pulls messages from the queue and hands them to a Processor.
type Worker struct {
	ID string

	processor *Processor
	queue     queues.Queue
	poll      time.Duration
	logger    logging.Logger

	status       atomic.Value
	lastActivity atomic.Int64

	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64
}

func newWorker(p *Processor, q queues.Queue, poll time.Duration, logger logging.Logger) *Worker {
	w := &Worker{
		ID:        uuid.New().String(),
		processor: p,
		queue:     q,
		poll:      poll,
	}
	w.logger = logger.With(logging.F("worker_id", w.ID))
	w.status.Store(WorkerStatusStarting)
	return w
}

// Status returns the worker's status.
func (w *Worker) Status() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

// LastActivity returns when the worker last handled a message.
func (w *Worker) LastActivity() time.Time {
	ns := w.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run processes messages until ctx is done or the queue is closed. The
// message in hand when ctx is cancelled is settled before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.status.Store(WorkerStatusHealthy)
	defer w.status.Store(WorkerStatusStopped)

	for {
		if ctx.Err() != nil {
			w.status.Store(WorkerStatusDraining)
			return nil
		}

		qm, err := w.queue.Dequeue(ctx, w.poll)
		switch {
		case err == nil:
		case errors.Is(err, queues.ErrQueueEmpty):
			continue
		case errors.Is(err, queues.ErrQueueClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			w.logger.Warn("Dequeue failed", logging.Err(err))
			if !sleep(ctx, w.poll) {
				return nil
			}
			continue
		}

		w.lastActivity.Store(time.Now().UnixNano())
		outcome, err := w.processor.Process(ctx, qm)
		if err != nil {
			w.FailedCount.Add(1)
			if ctx.Err() == nil {
				w.logger.Warn("Message returned to queue",
					logging.Err(err),
					logging.F("job_id", qm.Job.JobID),
					logging.F("deliveries", qm.Deliveries))
			}
			continue
		}
		switch outcome {
		case observability.OutcomeDeadLettered:
			w.FailedCount.Add(1)
		default:
			w.ProcessedCount.Add(1)
		}
	}
}

// Pool runs a set of workers plus the stale job sweep and queue depth export.
type Pool struct {
	cfg       Config
	deps      Deps
	processor *Processor
	logger    logging.Logger

	mu      sync.RWMutex
	workers []*Worker

	recovered atomic.Int64
}

// NewPool creates a worker pool.
func NewPool(cfg Config, deps Deps) (*Pool, error) {
	cfg = cfg.withDefaults()
	processor, err := NewProcessor(deps, cfg.StageTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.Lease > 0 {
		processor.lease = cfg.Lease
	}
	deps = processor.deps
	return &Pool{
		cfg:       cfg,
		deps:      deps,
		processor: processor,
		logger:    deps.Logger.With(logging.F("component", "worker_pool")),
	}, nil
}

// Processor returns the pool's processor.
func (p *Pool) Processor() *Processor {
	return p.processor
}

// Run starts the workers and background loops and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.workers = p.workers[:0]
	for i := 0; i < p.cfg.Count; i++ {
		w := newWorker(p.processor, p.deps.Queue, p.cfg.PollInterval, p.logger)
		p.workers = append(p.workers, w)
		g.Go(func() error { return w.Run(gctx) })
	}
	p.mu.Unlock()

	if p.cfg.RecoveryInterval > 0 {
		g.Go(func() error {
			p.every(gctx, p.cfg.RecoveryInterval, func(ctx context.Context) {
				if _, err := p.RecoverStale(ctx); err != nil {
					p.logger.Warn("Stale job sweep failed", logging.Err(err))
				}
			})
			return nil
		})
	}
	if p.cfg.DepthInterval > 0 {
		g.Go(func() error {
			p.every(gctx, p.cfg.DepthInterval, p.exportDepth)
			return nil
		})
	}

	p.logger.Info("Worker pool started",
		logging.F("workers", p.cfg.Count),
		logging.F("queue", p.deps.Queue.Name()))
	err := g.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

// RecoverStale re-enqueues pending or failed jobs whose scheduled time passed
// more than the grace period ago and that have no queue message. A job whose
// message is still queued or in flight is left alone.
func (p *Pool) RecoverStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-p.cfg.RecoveryGrace)
	jobs, err := p.deps.Store.ListStale(ctx, cutoff, p.cfg.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	n := 0
	for _, j := range jobs {
		_, err := p.deps.Queue.Enqueue(ctx, queues.JobMessage{
			JobID:    j.ID,
			ReportID: j.ReportID,
			Stage:    j.Stage,
			Priority: j.Priority,
		}, 0)
		if errors.Is(err, queues.ErrAlreadyQueued) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("re-enqueue job %s: %w", j.ID, err)
		}
		n++
		p.logger.Info("Re-enqueued stale job",
			logging.F("job_id", j.ID),
			logging.F("report_id", j.ReportID),
			logging.F("stage", string(j.Stage)),
			logging.F("state", string(j.State)))
	}
	p.recovered.Add(int64(n))
	return n, nil
}

func (p *Pool) exportDepth(ctx context.Context) {
	d, err := p.deps.Queue.Depth(ctx)
	if err != nil {
		p.logger.Warn("Queue depth unavailable", logging.Err(err))
		return
	}
	p.deps.Metrics.RecordQueueDepth(p.deps.Queue.Name(), d.Ready, d.Delayed, d.Processing, d.DeadLetter)
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		WorkerCount: len(p.workers),
		Recovered:   p.recovered.Load(),
	}
	for _, w := range p.workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	WorkerCount int   `json:"worker_count"`
	ActiveCount int   `json:"active_count"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	Recovered   int64 `json:"recovered"`
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
