package queues

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

type entryState int

const (
	entryReady entryState = iota
	entryDelayed
	entryProcessing
)

type memEntry struct {
	msg      QueuedMessage
	priority analysis.Priority
	state    entryState
	// readyAt is the due time while delayed and the FIFO key while ready.
	readyAt  time.Time
	deadline time.Time
	seq      int64
	receipt  string
}

// MemoryQueue is an in-process Queue with the same delivery semantics as
// RedisQueue. It backs tests and single-process dev mode.
type MemoryQueue struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*memEntry
	dlq     []DeadLetter
	seq     int64
	closed  bool
	signal  chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(config Config) *MemoryQueue {
	return &MemoryQueue{
		config:  config.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*memEntry),
		signal:  make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Name() string {
	return q.config.Name
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg JobMessage, delay time.Duration) (string, error) {
	if msg.JobID == "" {
		return "", ErrInvalidMessage
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if _, exists := q.entries[msg.JobID]; exists {
		q.mu.Unlock()
		return msg.JobID, ErrAlreadyQueued
	}
	now := q.now()
	q.seq++
	e := &memEntry{
		msg:      QueuedMessage{ID: msg.JobID, Job: msg, EnqueuedAt: now.UTC()},
		priority: clampPriority(msg.Priority),
		state:    entryReady,
		readyAt:  now,
		seq:      q.seq,
	}
	if delay > 0 {
		e.state = entryDelayed
		e.readyAt = now.Add(delay)
	}
	q.entries[e.msg.ID] = e
	q.mu.Unlock()

	q.wake()
	return e.msg.ID, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*QueuedMessage, error) {
	deadline := time.Now().Add(wait)
	for {
		qm, err := q.tryDequeue()
		if err != nil || qm != nil {
			return qm, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}
		if remaining > q.config.PollInterval {
			remaining = q.config.PollInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(remaining):
		}
	}
}

func (q *MemoryQueue) tryDequeue() (*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := q.now()
	var best *memEntry
	for _, e := range q.entries {
		switch {
		case e.state == entryDelayed && !now.Before(e.readyAt):
			e.state = entryReady
		case e.state == entryProcessing && !now.Before(e.deadline):
			e.state = entryReady
			e.readyAt = now
		}
		if e.state != entryReady {
			continue
		}
		if best == nil || before(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	best.state = entryProcessing
	best.deadline = now.Add(q.config.VisibilityTimeout)
	best.msg.Deliveries++
	best.receipt = uuid.NewString()
	out := best.msg
	out.Receipt = best.receipt
	return &out, nil
}

// before orders ready entries: higher priority, then earlier ready time, then
// insertion order.
func before(a, b *memEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}

// held returns the entry of a delivered message if receipt is its latest
// delivery. Callers hold q.mu.
func (q *MemoryQueue) held(msg *QueuedMessage) (*memEntry, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	e, ok := q.entries[msg.ID]
	if !ok || e.receipt == "" {
		return nil, ErrMessageNotFound
	}
	if e.receipt != msg.Receipt {
		return nil, ErrStaleReceipt
	}
	return e, nil
}

func (q *MemoryQueue) Ack(_ context.Context, msg *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.held(msg); err != nil {
		return err
	}
	delete(q.entries, msg.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, msg *QueuedMessage, delay time.Duration) error {
	q.mu.Lock()
	e, err := q.held(msg)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.now()
	e.receipt = ""
	if delay > 0 {
		e.state = entryDelayed
		e.readyAt = now.Add(delay)
	} else {
		e.state = entryReady
		e.readyAt = now
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryQueue) MoveToDeadLetter(_ context.Context, msg *QueuedMessage, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.held(msg)
	if err != nil {
		return err
	}
	delete(q.entries, msg.ID)
	q.dlq = append(q.dlq, DeadLetter{
		Message: e.msg,
		Reason:  reason,
		MovedAt: q.now().UTC(),
		Queue:   q.config.Name,
	})
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok {
		return false, nil
	}
	if e.state == entryProcessing && q.now().Before(e.deadline) {
		return false, nil
	}
	delete(q.entries, jobID)
	return true, nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, q.dlq[:n])
	return out, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var d Depth
	now := q.now()
	for _, e := range q.entries {
		switch {
		case e.state == entryProcessing && now.Before(e.deadline):
			d.Processing++
		case e.state == entryDelayed && now.Before(e.readyAt):
			d.Delayed++
		default:
			d.Ready++
		}
	}
	d.DeadLetter = int64(len(q.dlq))
	return d, nil
}

// Pending returns the job messages not yet acked, ordered as they would be
// delivered. Intended for tests and diagnostics.
func (q *MemoryQueue) Pending() []JobMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := make([]*memEntry, 0, len(q.entries))
	for _, e := range q.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return before(list[i], list[j]) })
	out := make([]JobMessage, len(list))
	for i, e := range list {
		out[i] = e.msg.Job
	}
	return out
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
