package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/app"
	"github.com/otherjamesbrown/lexireport/pkg/db"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

func TestServeCommand_Flags(t *testing.T) {
	cmd := NewServeCommand(nil)
	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Long, "/readyz")
	for _, name := range []string{"addr", "workers", "no-workers"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestWorkerCommand_Flags(t *testing.T) {
	cmd := NewWorkerCommand(nil)
	assert.Equal(t, "worker", cmd.Use)
	for _, name := range []string{"workers", "metrics-addr", "recover-only"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestWorkerCommand_RejectsMemoryBackends(t *testing.T) {
	built := false
	deps := &ServeCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.DefaultConfig(), nil },
		Build: func(context.Context, *config.Config, app.Options) (*app.Runtime, error) {
			built = true
			return nil, nil
		},
	}

	_, err := run(t, NewWorkerCommand(deps))
	assert.ErrorContains(t, err, "standalone workers need storage: postgres and queue.backend: redis")
	assert.False(t, built)
}

func TestServeCommand_BuildError(t *testing.T) {
	var got *config.Config
	deps := &ServeCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.DefaultConfig(), nil },
		Build: func(_ context.Context, cfg *config.Config, opts app.Options) (*app.Runtime, error) {
			got = cfg
			assert.Equal(t, "lexireport-server", opts.Service)
			assert.Equal(t, db.RoleAPI, opts.Role)
			assert.Equal(t, 3, opts.Workers, "embedded workers share the API pool")
			return nil, assert.AnError
		},
	}

	_, err := run(t, NewServeCommand(deps), "--addr", ":9999", "--workers", "3")
	assert.ErrorIs(t, err, assert.AnError)
	require.NotNil(t, got)
	assert.Equal(t, ":9999", got.Server.Addr)
	assert.Equal(t, 3, got.Workers.Count)
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Blob.Backend = config.BackendMemory

	deps := &ServeCommandDeps{
		Config: cfg,
		Build: func(ctx context.Context, cfg *config.Config, opts app.Options) (*app.Runtime, error) {
			opts.Logger = logging.NewNopLogger()
			return app.Build(ctx, cfg, opts)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, runServe(ctx, deps, true))
}
