package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/app"
	"github.com/otherjamesbrown/lexireport/pkg/buildinfo"
	"github.com/otherjamesbrown/lexireport/pkg/db"
	"github.com/otherjamesbrown/lexireport/pkg/httpapi"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

// ServeCommandDeps holds the dependencies for the server and worker commands.
type ServeCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	Build      func(context.Context, *config.Config, app.Options) (*app.Runtime, error)
}

// DefaultServeDeps returns the default dependencies for production use.
func DefaultServeDeps() *ServeCommandDeps {
	return &ServeCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.Load("") },
		Build:      app.Build,
	}
}

func serveDeps(deps *ServeCommandDeps) *ServeCommandDeps {
	if deps == nil {
		return DefaultServeDeps()
	}
	if deps.Build == nil {
		deps.Build = app.Build
	}
	return deps
}

// NewServeCommand creates the serve command.
func NewServeCommand(deps *ServeCommandDeps) *cobra.Command {
	deps = serveDeps(deps)
	var (
		addr      string
		workers   int
		noWorkers bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with embedded workers",
		Long: `Run the lexireport HTTP API.

By default the process also runs the worker pool and the notification
dispatcher, which is all a single-node deployment needs. With the default
configuration everything is kept in memory; set storage: postgres and
queue.backend: redis to share state with separate 'lexireport worker'
processes, and pass --no-workers to run the API alone.

Endpoints:
  /healthz              Liveness
  /readyz               Readiness (database and redis when configured)
  /metrics              Prometheus metrics
  /version              Build information
  /api/v1/...           Report API

Examples:
  lexireport serve
  lexireport serve --addr :9090 --workers 8
  lexireport serve --no-workers --config /etc/lexireport/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			deps.Config = cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if workers > 0 {
				cfg.Workers.Count = workers
			}
			return runServe(cmd.Context(), deps, !noWorkers)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of embedded workers (default from config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve the API without running workers")
	return cmd
}

func runServe(ctx context.Context, deps *ServeCommandDeps, withWorkers bool) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	cfg := deps.Config
	embedded := 0
	if withWorkers {
		embedded = cfg.Workers.Count
	}
	rt, err := deps.Build(ctx, cfg, app.Options{Service: "lexireport-server", Role: db.RoleAPI, Workers: embedded})
	if err != nil {
		return err
	}
	defer rt.Close()

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(rt.Service, httpapi.Options{
		Tokens:   cfg.Server.Tokens,
		Access:   httpapi.OwnerAccess{Reports: rt.Store},
		Gatherer: rt.Registry,
		Checks:   rt.Checks,
		Logger:   rt.Logger,
	})
	router.GET("/version", gin.WrapF(buildinfo.Handler("lexireport-server")))
	srv := httpapi.NewServer(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Logger.Info("HTTP API listening", logging.F("addr", srv.Addr), logging.F("auth", len(cfg.Server.Tokens) > 0))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return rt.Dispatcher.Run(gctx) })

	if withWorkers {
		pool, err := rt.NewPool()
		if err != nil {
			return err
		}
		g.Go(func() error { return pool.Run(gctx) })
	}

	return ignoreCanceled(g.Wait())
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(deps *ServeCommandDeps) *cobra.Command {
	deps = serveDeps(deps)
	var (
		workers     int
		metricsAddr string
		recoverOnly bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker pool",
		Long: `Run a worker pool that pulls stage jobs from the shared queue, invokes the
capability adapters and appends insights. The notification dispatcher runs in
the same process.

Standalone workers need shared state: storage must be postgres and
queue.backend must be redis.

Examples:
  lexireport worker
  lexireport worker --workers 16 --metrics-addr :9100
  lexireport worker --recover-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			deps.Config = cfg
			if cfg.Storage != config.BackendPostgres || cfg.Queue.Backend != config.BackendRedis {
				return fmt.Errorf("standalone workers need storage: postgres and queue.backend: redis (got %s/%s)", cfg.Storage, cfg.Queue.Backend)
			}
			if workers > 0 {
				cfg.Workers.Count = workers
			}
			return runWorker(cmd, deps, metricsAddr, recoverOnly)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Number of workers (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /version on this address")
	cmd.Flags().BoolVar(&recoverOnly, "recover-only", false, "Re-enqueue stale jobs once and exit")
	return cmd
}

func runWorker(cmd *cobra.Command, deps *ServeCommandDeps, metricsAddr string, recoverOnly bool) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := deps.Build(ctx, deps.Config, app.Options{Service: "lexireport-worker", Role: db.RoleWorker, Workers: deps.Config.Workers.Count})
	if err != nil {
		return err
	}
	defer rt.Close()

	pool, err := rt.NewPool()
	if err != nil {
		return err
	}

	if recoverOnly {
		n, err := pool.RecoverStale(ctx)
		if err != nil {
			return fmt.Errorf("recovering stale jobs: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued %d stale job(s).\n", n)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return rt.Dispatcher.Run(gctx) })

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
		mux.Handle("/version", buildinfo.Handler("lexireport-worker"))
		srv := httpapi.NewServer(metricsAddr, mux)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return ignoreCanceled(g.Wait())
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
