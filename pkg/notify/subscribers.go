package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// Subscriber receives lifecycle events. Deliveries are at-least-once, so
// Notify should tolerate a repeated Event.ID.
type Subscriber interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// WebhookSubscriber posts events as JSON to a URL.
type WebhookSubscriber struct {
	name   string
	url    string
	secret []byte
	client *http.Client
}

// WebhookConfig configures a WebhookSubscriber.
type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Secret signs the body with HMAC-SHA256 into X-Signature when set.
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewWebhookSubscriber creates a webhook subscriber.
func NewWebhookSubscriber(cfg WebhookConfig) (*WebhookSubscriber, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookSubscriber{
		name:   cfg.Name,
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (w *WebhookSubscriber) Name() string { return w.name }

// Notify posts ev. Any non-2xx response is an error.
func (w *WebhookSubscriber) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Type", string(ev.Type))
	if len(w.secret) > 0 {
		req.Header.Set("X-Signature", "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Redis channel prefix for published events. The full channel is the prefix
// followed by the event type, e.g. events.report.ready.
const ChannelPrefix = "events."

// RedisPublisher publishes events on Redis pub/sub channels.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	logger logging.Logger
}

// NewRedisPublisher creates a publisher. An empty prefix uses ChannelPrefix.
func NewRedisPublisher(client redis.UniversalClient, prefix string, logger logging.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = ChannelPrefix
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

func (p *RedisPublisher) Name() string { return "redis" }

// Channel returns the channel ev is published on.
func (p *RedisPublisher) Channel(t EventType) string {
	return p.prefix + string(t)
}

// Notify publishes ev.
func (p *RedisPublisher) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := p.Channel(ev.Type)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Event published",
		logging.F("channel", channel),
		logging.F("payload_size", len(data)))
	return nil
}

// LogSubscriber writes every event to the log.
type LogSubscriber struct {
	logger logging.Logger
}

// NewLogSubscriber creates a log subscriber.
func NewLogSubscriber(logger logging.Logger) *LogSubscriber {
	return &LogSubscriber{logger: logger.With(logging.F("component", "notifications"))}
}

func (l *LogSubscriber) Name() string { return "log" }

func (l *LogSubscriber) Notify(_ context.Context, ev Event) error {
	l.logger.Info("Report event",
		logging.F("event_id", ev.ID),
		logging.F("type", string(ev.Type)),
		logging.F("report_id", ev.ReportID),
		logging.F("stage", string(ev.Stage)))
	return nil
}

var (
	_ Subscriber = (*WebhookSubscriber)(nil)
	_ Subscriber = (*RedisPublisher)(nil)
	_ Subscriber = (*LogSubscriber)(nil)
)
