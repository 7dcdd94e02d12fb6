package queues

import "errors"

// Queue errors.
var (
	ErrQueueEmpty      = errors.New("queue is empty")
	ErrMessageNotFound = errors.New("message not found")
	ErrQueueClosed     = errors.New("queue is closed")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrAlreadyQueued   = errors.New("job is already queued")
	ErrStaleReceipt    = errors.New("delivery receipt is stale")
)
