package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamConfig configures a RedisStreamOutbox.
type StreamConfig struct {
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64 `yaml:"max_len"`
	Count  int64 `yaml:"count"`
}

// DefaultStreamConfig returns the default outbox stream settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Stream:   "lexireport:events",
		Group:    "notifier",
		Consumer: "notifier-1",
		MaxLen:   100000,
		Count:    32,
	}
}

// RedisStreamOutbox is an outbox on a Redis stream with a consumer group.
// Events read but not acked stay in the group's pending list and are read
// again, oldest first, the next time this consumer starts.
type RedisStreamOutbox struct {
	client redis.UniversalClient
	cfg    StreamConfig

	mu             sync.Mutex
	pendingDrained bool
}

// NewRedisStreamOutbox creates the outbox and its consumer group.
func NewRedisStreamOutbox(ctx context.Context, client redis.UniversalClient, cfg StreamConfig) (*RedisStreamOutbox, error) {
	d := DefaultStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = d.Stream
	}
	if cfg.Group == "" {
		cfg.Group = d.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = d.Consumer
	}
	if cfg.Count <= 0 {
		cfg.Count = d.Count
	}

	o := &RedisStreamOutbox{client: client, cfg: cfg}
	if err := o.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *RedisStreamOutbox) ensureGroup(ctx context.Context) error {
	err := o.client.XGroupCreateMkStream(ctx, o.cfg.Stream, o.cfg.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

// Append adds ev to the stream.
func (o *RedisStreamOutbox) Append(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: o.cfg.Stream,
		Values: map[string]any{
			"event_id": ev.ID,
			"type":     string(ev.Type),
			"event":    string(data),
		},
	}
	if o.cfg.MaxLen > 0 {
		args.MaxLen = o.cfg.MaxLen
		args.Approx = true
	}
	if err := o.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Read returns this consumer's pending events first, then new ones.
func (o *RedisStreamOutbox) Read(ctx context.Context, wait time.Duration) ([]Delivery, error) {
	o.mu.Lock()
	drained := o.pendingDrained
	o.mu.Unlock()

	if !drained {
		out, err := o.read(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
		o.mu.Lock()
		o.pendingDrained = true
		o.mu.Unlock()
	}
	return o.read(ctx, ">", wait)
}

func (o *RedisStreamOutbox) read(ctx context.Context, start string, block time.Duration) ([]Delivery, error) {
	streams, err := o.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    o.cfg.Group,
		Consumer: o.cfg.Consumer,
		Streams:  []string{o.cfg.Stream, start},
		Count:    o.cfg.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Delivery
	for _, stream := range streams {
		for _, item := range stream.Messages {
			ev, err := parseStreamEvent(item)
			if err != nil {
				// Unparseable entries are dropped.
				_ = o.Ack(ctx, item.ID)
				continue
			}
			out = append(out, Delivery{ID: item.ID, Event: ev})
		}
	}
	return out, nil
}

// Ack acknowledges and deletes a stream entry.
func (o *RedisStreamOutbox) Ack(ctx context.Context, id string) error {
	if err := o.client.XAck(ctx, o.cfg.Stream, o.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := o.client.XDel(ctx, o.cfg.Stream, id).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (o *RedisStreamOutbox) Close() error {
	return nil
}

func parseStreamEvent(item redis.XMessage) (Event, error) {
	raw, ok := item.Values["event"]
	if !ok {
		return Event{}, fmt.Errorf("entry %s: missing event field", item.ID)
	}
	var data string
	switch v := raw.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		data = fmt.Sprintf("%v", v)
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Event{}, fmt.Errorf("entry %s: %w", item.ID, err)
	}
	return ev, nil
}

var _ Outbox = (*RedisStreamOutbox)(nil)
