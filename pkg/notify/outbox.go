package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Outbox errors.
var (
	ErrOutboxFull   = errors.New("outbox is full")
	ErrOutboxClosed = errors.New("outbox is closed")
)

// Delivery is an event read from an outbox, pending acknowledgement.
type Delivery struct {
	ID    string
	Event Event
}

// Outbox is a durable buffer between the pipeline and the dispatcher.
type Outbox interface {
	// Append records ev for delivery.
	Append(ctx context.Context, ev Event) error

	// Read blocks up to wait for events. It returns an empty slice when
	// nothing arrived in time.
	Read(ctx context.Context, wait time.Duration) ([]Delivery, error)

	// Ack marks a delivery as handled.
	Ack(ctx context.Context, id string) error

	Close() error
}

// MemoryOutbox is a bounded in-process outbox backed by a channel.
// Unacknowledged events are not redelivered.
type MemoryOutbox struct {
	ch chan Delivery

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewMemoryOutbox creates a memory outbox holding up to size events.
func NewMemoryOutbox(size int) *MemoryOutbox {
	if size <= 0 {
		size = 1024
	}
	return &MemoryOutbox{ch: make(chan Delivery, size)}
}

// Append queues ev, failing with ErrOutboxFull rather than blocking.
func (o *MemoryOutbox) Append(_ context.Context, ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	o.seq++
	select {
	case o.ch <- Delivery{ID: strconv.FormatUint(o.seq, 10), Event: ev}:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for report %s", ErrOutboxFull, ev.Type, ev.ReportID)
	}
}

// Read returns everything buffered, waiting up to wait for the first event.
func (o *MemoryOutbox) Read(ctx context.Context, wait time.Duration) ([]Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var first Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-o.ch:
		if !ok {
			return nil, ErrOutboxClosed
		}
		first = d
	}

	out := []Delivery{first}
	for {
		select {
		case d, ok := <-o.ch:
			if !ok {
				return out, nil
			}
			out = append(out, d)
		default:
			return out, nil
		}
	}
}

// Ack is a no-op for the memory outbox.
func (o *MemoryOutbox) Ack(context.Context, string) error {
	return nil
}

// Len returns the number of buffered events.
func (o *MemoryOutbox) Len() int {
	return len(o.ch)
}

// Close stops accepting events. Buffered events can still be read.
func (o *MemoryOutbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
	return nil
}

var _ Outbox = (*MemoryOutbox)(nil)
