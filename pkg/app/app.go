// Package app assembles the lexireport runtime from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/credentials"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/orchestrator"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/pipeline"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/workers"
	"github.com/otherjamesbrown/lexireport/pkg/blob"
	"github.com/otherjamesbrown/lexireport/pkg/capabilities"
	"github.com/otherjamesbrown/lexireport/pkg/db"
	"github.com/otherjamesbrown/lexireport/pkg/httpapi"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
	"github.com/otherjamesbrown/lexireport/pkg/notify"
)

// MetricsNamespace prefixes process-level collectors registered here.
const MetricsNamespace = "lexireport"

const memoryOutboxSize = 1024

// dbConnectPolicy is the backoff of the initial database connection.
func dbConnectPolicy() *retry.Policy {
	return &retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
}

// Options tune Build.
type Options struct {
	// Service names the process in logs and pool metrics.
	Service string
	// Role sizes the database pool. Defaults to db.RoleAPI.
	Role db.Role
	// Workers is the number of workers the process runs against the pool.
	Workers int
	Logger  logging.Logger
	// Tokens resolves adapter credentials. When nil and a capability asks
	// for auth, the local credential store is opened.
	Tokens capabilities.TokenSource
	// Registry receives all metrics. A fresh registry is created when nil.
	Registry *prometheus.Registry
}

// Runtime is a fully wired set of pipeline components.
type Runtime struct {
	Config   *config.Config
	Logger   logging.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Store        store.Store
	Insights     insights.Store
	Queue        queues.Queue
	Blobs        blob.Store
	Catalog      *stages.Catalog
	Capabilities *capabilities.Registry
	Tracker      *status.Tracker
	Orchestrator *orchestrator.Orchestrator
	Outbox       notify.Outbox
	Dispatcher   *notify.Dispatcher
	Service      *pipeline.Service

	// Checks back /readyz.
	Checks map[string]httpapi.ReadyCheck

	redis   redis.UniversalClient
	closers []func() error
}

// NewLogger creates the service logger from the logging section.
func NewLogger(cfg config.LoggingConfig, service string) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:       logging.Level(cfg.Level),
		ServiceName: service,
		Environment: os.Getenv("LEXIREPORT_ENV"),
		Format:      logging.Format(cfg.Format),
		Output:      os.Stderr,
	})
}

// Build connects every backend named in cfg and wires the pipeline. On error
// anything already opened is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Service == "" {
		opts.Service = "lexireport"
	}
	if opts.Role == "" {
		opts.Role = db.RoleAPI
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger(cfg.Logging, opts.Service)
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: MetricsNamespace}),
		)
	}

	rt = &Runtime{
		Config:   cfg,
		Logger:   opts.Logger,
		Registry: opts.Registry,
		Metrics:  observability.NewMetrics(opts.Registry),
		Checks:   make(map[string]httpapi.ReadyCheck),
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if err = rt.openStorage(ctx, opts); err != nil {
		return nil, err
	}
	if err = rt.openQueue(ctx); err != nil {
		return nil, err
	}
	if err = rt.openBlobs(ctx); err != nil {
		return nil, err
	}

	if cfg.Pipelines.File != "" {
		rt.Catalog, err = stages.LoadFile(config.ExpandPath(cfg.Pipelines.File))
		if err != nil {
			return nil, err
		}
	} else {
		rt.Catalog = stages.DefaultCatalog()
	}
	if longest := rt.Catalog.MaxTimeout(cfg.StageTimeout()); longest >= cfg.Lease() {
		return nil, fmt.Errorf("queue.visibility_timeout (%s) must exceed the longest stage timeout (%s)", cfg.Lease(), longest)
	}

	if err = rt.openCapabilities(opts.Tokens); err != nil {
		return nil, err
	}

	rt.Tracker = status.NewTracker(rt.Store, rt.Insights, rt.Catalog, rt.Logger)
	rt.Orchestrator = orchestrator.New(rt.Store, rt.Tracker, rt.Queue, rt.Metrics, rt.Logger)

	if err = rt.openNotifications(ctx); err != nil {
		return nil, err
	}

	rt.Service, err = pipeline.New(pipeline.Deps{
		Store:          rt.Store,
		Insights:       rt.Insights,
		Catalog:        rt.Catalog,
		Capabilities:   rt.Capabilities,
		Blobs:          rt.Blobs,
		Orchestrator:   rt.Orchestrator,
		Tracker:        rt.Tracker,
		Queue:          rt.Queue,
		Notifier:       rt.Dispatcher,
		Metrics:        rt.Metrics,
		Logger:         rt.Logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		AskTimeout:     cfg.Server.AskTimeout,
	})
	if err != nil {
		return nil, err
	}

	rt.Logger.Info("Runtime ready",
		logging.F("storage", cfg.Storage),
		logging.F("queue", cfg.Queue.Backend),
		logging.F("blob", cfg.Blob.Backend),
		logging.F("outbox", cfg.Notifications.Outbox),
		logging.F("capabilities", len(rt.Capabilities.Capabilities())))
	return rt, nil
}

// NewPool creates a worker pool over the runtime's components.
func (rt *Runtime) NewPool() (*workers.Pool, error) {
	cfg := rt.Config.Workers
	cfg.Lease = rt.Config.Lease()
	return workers.NewPool(cfg, workers.Deps{
		Store:        rt.Store,
		Insights:     rt.Insights,
		Catalog:      rt.Catalog,
		Capabilities: rt.Capabilities,
		Blobs:        rt.Blobs,
		Queue:        rt.Queue,
		Orchestrator: rt.Orchestrator,
		Tracker:      rt.Tracker,
		Retry:        rt.Config.Retry.Policy(),
		Notifier:     rt.Dispatcher,
		Metrics:      rt.Metrics,
		Logger:       rt.Logger,
	})
}

// Close releases every backend in reverse order of opening.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

func (rt *Runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

func (rt *Runtime) openStorage(ctx context.Context, opts Options) error {
	switch rt.Config.Storage {
	case config.BackendPostgres:
		dbCfg := rt.Config.Database.DB().ForRole(opts.Role, opts.Workers)
		pool, err := db.Connect(ctx, dbCfg, dbConnectPolicy())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		rt.onClose(func() error {
			db.Close(pool)
			return nil
		})
		if _, err := db.RegisterPoolStats(pool, MetricsNamespace, opts.Service, dbCfg.Role, rt.Registry); err != nil {
			return fmt.Errorf("registering pool stats: %w", err)
		}
		rt.Store = store.NewPostgres(pool, rt.Logger)
		rt.Insights = insights.NewPostgresStore(pool, rt.Logger)
		rt.Checks["database"] = db.ReadyCheck(pool)
		rt.Logger.Info("Database pool open",
			logging.F("role", string(dbCfg.Role)),
			logging.F("max_conns", dbCfg.MaxConns))
	default:
		rt.Store = store.NewMemory()
		rt.Insights = insights.NewMemoryStore()
	}
	return nil
}

// redisClient connects lazily so that only configurations using Redis dial it.
func (rt *Runtime) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if rt.redis != nil {
		return rt.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rt.Config.Redis.Addr,
		Password: rt.Config.Redis.Password,
		DB:       rt.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", rt.Config.Redis.Addr, err)
	}
	rt.redis = client
	rt.onClose(client.Close)
	rt.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return client, nil
}

func (rt *Runtime) openQueue(ctx context.Context) error {
	switch rt.Config.Queue.Backend {
	case config.BackendRedis:
		client, err := rt.redisClient(ctx)
		if err != nil {
			return err
		}
		rt.Queue = queues.NewRedisQueue(client, rt.Config.Queue.Config)
	default:
		rt.Queue = queues.NewMemoryQueue(rt.Config.Queue.Config)
	}
	rt.onClose(rt.Queue.Close)
	return nil
}

func (rt *Runtime) openBlobs(ctx context.Context) error {
	switch rt.Config.Blob.Backend {
	case config.BackendS3:
		s, err := blob.NewS3Store(ctx, rt.Config.Blob.S3)
		if err != nil {
			return err
		}
		rt.Blobs = s
	case config.BackendLocal:
		dir, err := rt.Config.BlobDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating blob directory: %w", err)
		}
		rt.Blobs = blob.NewLocalStore(dir)
	default:
		rt.Blobs = blob.NewMemoryStore()
	}
	return nil
}

func (rt *Runtime) openCapabilities(tokens capabilities.TokenSource) error {
	if tokens == nil && needsAuth(rt.Config.Capabilities) {
		cs, err := credentials.NewStore()
		if err != nil {
			return fmt.Errorf("opening credential store: %w", err)
		}
		tokens = cs
	}

	reg, err := capabilities.Build(rt.Config.Capabilities, tokens)
	if err != nil {
		return err
	}
	rt.Capabilities = reg
	rt.onClose(reg.Close)

	if err := reg.Validate(rt.Catalog); err != nil {
		return fmt.Errorf("capability adapters: %w", err)
	}
	if _, err := reg.Get(analysis.CapabilityQA); err != nil {
		rt.Logger.Warn("No qa adapter configured, ask is disabled")
	}
	return nil
}

func needsAuth(specs map[analysis.Capability]capabilities.Spec) bool {
	for _, s := range specs {
		if s.Auth {
			return true
		}
	}
	return false
}

func (rt *Runtime) openNotifications(ctx context.Context) error {
	nc := rt.Config.Notifications

	switch nc.Outbox {
	case config.BackendRedis:
		client, err := rt.redisClient(ctx)
		if err != nil {
			return err
		}
		ob, err := notify.NewRedisStreamOutbox(ctx, client, nc.Stream)
		if err != nil {
			return err
		}
		rt.Outbox = ob
	default:
		rt.Outbox = notify.NewMemoryOutbox(memoryOutboxSize)
	}
	rt.onClose(rt.Outbox.Close)

	var subs []notify.Subscriber
	for _, wc := range nc.Webhooks {
		w, err := notify.NewWebhookSubscriber(wc)
		if err != nil {
			return fmt.Errorf("notifications.webhooks: %w", err)
		}
		subs = append(subs, w)
	}
	if nc.Publish {
		client, err := rt.redisClient(ctx)
		if err != nil {
			return err
		}
		subs = append(subs, notify.NewRedisPublisher(client, nc.ChannelPrefix, rt.Logger))
	}
	if nc.Log {
		subs = append(subs, notify.NewLogSubscriber(rt.Logger))
	}

	rt.Dispatcher = notify.NewDispatcher(rt.Outbox, subs, notify.Config{Retry: rt.Config.Retry.Policy()}, rt.Metrics, rt.Logger)
	return nil
}
