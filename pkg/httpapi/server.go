// Package httpapi exposes the pipeline control surface over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/lexireport/pkg/analysis/pipeline"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// ReadyCheck checks one dependency for /readyz.
type ReadyCheck func(ctx context.Context) error

// Options configures the router.
type Options struct {
	// Tokens maps API bearer tokens to user ids.
	Tokens map[string]string
	// Access defaults to allowing every caller.
	Access AccessChecker
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Checks   map[string]ReadyCheck
	Logger   logging.Logger
}

// NewRouter builds the gin engine with middleware and routes registered.
func NewRouter(svc *pipeline.Service, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Access == nil {
		opts.Access = AccessFunc(func(context.Context, string, string) bool { return true })
	}
	logger := opts.Logger.With(logging.F("component", "httpapi"))

	r := gin.New()
	r.Use(RequestID(), Logging(logger), Recovery(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/readyz", readyHandler(opts.Checks))
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &handler{svc: svc, access: opts.Access}
	api := r.Group("/api/v1")
	api.Use(Auth(opts.Tokens))
	h.register(api)
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, router http.Handler) *http.Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func readyHandler(checks map[string]ReadyCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		ready := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": ready, "checks": results})
	}
}
