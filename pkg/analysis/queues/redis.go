package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// maxPriority is the highest priority the queue orders by. Messages with a
// higher priority get a lower ready score and are popped first.
const maxPriority = analysis.PriorityInteractive

// priorityBand separates priorities in the ready set score. It must exceed any
// Unix millisecond timestamp so time never outweighs priority.
const priorityBand = 1e13

// RedisQueue implements Queue with Redis sorted sets.
//
// Layout, all under one hash tag so the scripts work on a cluster:
//
//	<base>:ready       zset, score = priority band + ready-at ms
//	<base>:delayed     zset, score = due ms
//	<base>:processing  zset, score = visibility deadline ms
//	<base>:dlq         zset of DeadLetter JSON, score = moved-at ms
//	<base>:prio        hash id -> priority
//	<base>:deliveries  hash id -> delivery count
//	<base>:receipts    hash id -> receipt of the latest delivery
//	<base>:msg:<id>    QueuedMessage JSON, expires after the retention period
//
// The message id is the job id; the msg key doubles as the "job is queued"
// marker.
type RedisQueue struct {
	client redis.UniversalClient
	config Config
	closed atomic.Bool

	ready, delayed, processing, dlq, prio, deliveries, receipts, msgPrefix string
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(client redis.UniversalClient, config Config) *RedisQueue {
	config = config.withDefaults()
	base := "lexireport:{" + config.Name + "}"
	return &RedisQueue{
		client:     client,
		config:     config,
		ready:      base + ":ready",
		delayed:    base + ":delayed",
		processing: base + ":processing",
		dlq:        base + ":dlq",
		prio:       base + ":prio",
		deliveries: base + ":deliveries",
		receipts:   base + ":receipts",
		msgPrefix:  base + ":msg:",
	}
}

// enqueueScript stores a message unless its job is already queued. Returns 0
// for a duplicate.
var enqueueScript = redis.NewScript(`
if not redis.call('SET', ARGV[2], ARGV[3], 'NX', 'PX', ARGV[4]) then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[5])
if ARGV[7] == '1' then
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
else
	redis.call('ZADD', KEYS[1], ARGV[6], ARGV[1])
end
return 1
`)

// dequeueScript promotes due delayed messages and expired in-flight messages
// into the ready set, then pops the best ready message into processing.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local maxp = tonumber(ARGV[3])
local band = tonumber(ARGV[5])
local function makeReady(id, at)
	local p = tonumber(redis.call('HGET', KEYS[4], id) or '0')
	redis.call('ZADD', KEYS[1], (maxp - p) * band + at, id)
end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)) do
	local at = tonumber(redis.call('ZSCORE', KEYS[2], id))
	redis.call('ZREM', KEYS[2], id)
	makeReady(id, at)
end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)) do
	redis.call('ZREM', KEYS[3], id)
	makeReady(id, now)
end
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	local body = redis.call('GET', ARGV[4] .. id)
	if body then
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		local n = redis.call('HINCRBY', KEYS[5], id, 1)
		redis.call('HSET', KEYS[6], id, ARGV[6])
		return {id, body, n}
	end
	redis.call('HDEL', KEYS[4], id)
	redis.call('HDEL', KEYS[5], id)
	redis.call('HDEL', KEYS[6], id)
end
`)

// settleScript removes a delivered message if ARGV[2] is the receipt of its
// latest delivery. Returns {-1} when the message is unknown, {0} for a stale
// receipt, else {1, body, deliveries}.
var settleScript = redis.NewScript(`
local r = redis.call('HGET', KEYS[6], ARGV[1])
local body = redis.call('GET', ARGV[3])
if not r or not body then
	return {-1}
end
if r ~= ARGV[2] then
	return {0}
end
local n = redis.call('HGET', KEYS[5], ARGV[1]) or '0'
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
redis.call('DEL', ARGV[3])
return {1, body, n}
`)

// removeScript drops a queued message that is not in flight. Returns 1 if a
// message was removed.
var removeScript = redis.NewScript(`
local deadline = redis.call('ZSCORE', KEYS[3], ARGV[1])
if deadline and tonumber(deadline) > tonumber(ARGV[3]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
return redis.call('DEL', ARGV[2])
`)

// nackScript moves a delivered message back to ready or delayed. Returns -1
// if the message was not delivered and 0 for a stale receipt.
var nackScript = redis.NewScript(`
local r = redis.call('HGET', KEYS[5], ARGV[1])
if not r then
	return -1
end
if r ~= ARGV[6] then
	return 0
end
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
local now = tonumber(ARGV[2])
local delay = tonumber(ARGV[3])
if delay > 0 then
	redis.call('ZADD', KEYS[2], now + delay, ARGV[1])
else
	local p = tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0')
	redis.call('ZADD', KEYS[1], (tonumber(ARGV[4]) - p) * tonumber(ARGV[5]) + now, ARGV[1])
end
return 1
`)

func (q *RedisQueue) Name() string {
	return q.config.Name
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg JobMessage, delay time.Duration) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	if msg.JobID == "" {
		return "", fmt.Errorf("%w: job id is required", ErrInvalidMessage)
	}

	now := time.Now()
	qm := QueuedMessage{
		ID:         msg.JobID,
		Job:        msg,
		EnqueuedAt: now.UTC(),
	}
	body, err := json.Marshal(qm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	score, delayed := readyScore(msg.Priority, now), "0"
	if delay > 0 {
		score, delayed = float64(now.Add(delay).UnixMilli()), "1"
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.prio},
		qm.ID,
		q.msgPrefix+qm.ID,
		body,
		q.config.RetentionPeriod.Milliseconds(),
		int(clampPriority(msg.Priority)),
		score,
		delayed,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	if n == 0 {
		return qm.ID, ErrAlreadyQueued
	}
	return qm.ID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*QueuedMessage, error) {
	deadline := time.Now().Add(wait)
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		qm, err := q.tryDequeue(ctx)
		if err != nil || qm != nil {
			return qm, err
		}

		if !time.Now().Before(deadline) {
			return nil, ErrQueueEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.config.PollInterval):
		}
	}
}

func (q *RedisQueue) tryDequeue(ctx context.Context) (*QueuedMessage, error) {
	now := time.Now()
	receipt := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.processing, q.prio, q.deliveries, q.receipts},
		now.UnixMilli(),
		now.Add(q.config.VisibilityTimeout).UnixMilli(),
		int(maxPriority),
		q.msgPrefix,
		priorityBand,
		receipt,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("%w: unexpected dequeue reply of %d elements", ErrInvalidMessage, len(res))
	}

	body, _ := res[1].(string)
	var qm QueuedMessage
	if err := json.Unmarshal([]byte(body), &qm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if n, ok := res[2].(int64); ok {
		qm.Deliveries = int(n)
	}
	qm.Receipt = receipt
	return &qm, nil
}

// settle removes a delivered message held under msg.Receipt and returns the
// stored message.
func (q *RedisQueue) settle(ctx context.Context, msg *QueuedMessage) (*QueuedMessage, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	res, err := settleScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.processing, q.prio, q.deliveries, q.receipts},
		msg.ID,
		msg.Receipt,
		q.msgPrefix+msg.ID,
	).Slice()
	if err != nil {
		return nil, err
	}
	code, _ := res[0].(int64)
	switch {
	case code < 0:
		return nil, ErrMessageNotFound
	case code == 0:
		return nil, ErrStaleReceipt
	case len(res) != 3:
		return nil, fmt.Errorf("%w: unexpected settle reply of %d elements", ErrInvalidMessage, len(res))
	}

	body, _ := res[1].(string)
	var qm QueuedMessage
	if err := json.Unmarshal([]byte(body), &qm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if n, ok := res[2].(string); ok {
		qm.Deliveries, _ = strconv.Atoi(n)
	}
	return &qm, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *QueuedMessage) error {
	if _, err := q.settle(ctx, msg); err != nil {
		if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrStaleReceipt) {
			return err
		}
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, msg *QueuedMessage, delay time.Duration) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	n, err := nackScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.processing, q.prio, q.receipts},
		msg.ID,
		time.Now().UnixMilli(),
		delay.Milliseconds(),
		int(maxPriority),
		priorityBand,
		msg.Receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	switch n {
	case -1:
		return ErrMessageNotFound
	case 0:
		return ErrStaleReceipt
	}
	return nil
}

// MoveToDeadLetter removes the message and records it in the dead-letter
// set. The two steps are separate writes; a failure in between loses only
// the dead-letter record, the job keeps its state in the job store.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, msg *QueuedMessage, reason string) error {
	qm, err := q.settle(ctx, msg)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrStaleReceipt) {
			return err
		}
		return fmt.Errorf("failed to remove message: %w", err)
	}

	now := time.Now()
	entry, err := json.Marshal(DeadLetter{
		Message: *qm,
		Reason:  reason,
		MovedAt: now.UTC(),
		Queue:   q.config.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.dlq, redis.Z{Score: float64(now.UnixMilli()), Member: string(entry)}).Err(); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.processing, q.prio, q.deliveries, q.receipts},
		jobID,
		q.msgPrefix+jobID,
		time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove message: %w", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := q.client.ZRange(ctx, q.dlq, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	out := make([]DeadLetter, 0, len(members))
	for _, m := range members {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(m), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.ready)
	delayed := pipe.ZCard(ctx, q.delayed)
	processing := pipe.ZCard(ctx, q.processing)
	dlq := pipe.ZCard(ctx, q.dlq)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		DeadLetter: dlq.Val(),
	}, nil
}

// Close stops the queue from handing out or accepting work. The Redis client
// is owned by the caller and stays open.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

func clampPriority(p analysis.Priority) analysis.Priority {
	if p < analysis.PriorityBatch {
		return analysis.PriorityBatch
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// readyScore orders the ready set: lower scores pop first.
func readyScore(p analysis.Priority, at time.Time) float64 {
	return float64(maxPriority-clampPriority(p))*priorityBand + float64(at.UnixMilli())
}

var _ Queue = (*RedisQueue)(nil)
