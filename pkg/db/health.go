package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
)

var (
	// ErrNoPool is returned for checks against a nil pool.
	ErrNoPool = errors.New("pool is nil")
	// ErrSchemaBehind means migrations the stores depend on are not applied.
	ErrSchemaBehind = errors.New("database schema is behind")
)

// Readiness is the state of the database as the stores see it.
type Readiness struct {
	Latency       time.Duration `json:"latency"`
	SchemaVersion int64         `json:"schema_version"`
	LatestVersion int64         `json:"latest_version"`
	AcquiredConns int32         `json:"acquired_conns"`
	MaxConns      int32         `json:"max_conns"`
	Err           error         `json:"-"`
}

// Ready reports whether the database answered and its schema is current.
func (r *Readiness) Ready() bool { return r.Err == nil }

// Message returns the check error text, or "ok".
func (r *Readiness) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return "ok"
}

var latestVersion = sync.OnceValues(func() (int64, error) {
	versions, err := AvailableMigrations()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
})

// CheckReadiness pings pool, then compares the applied schema version with
// the newest embedded migration.
func CheckReadiness(ctx context.Context, pool *pgxpool.Pool) *Readiness {
	r := &Readiness{}
	if pool == nil {
		r.Err = ErrNoPool
		return r
	}

	start := time.Now()
	err := pool.Ping(ctx)
	r.Latency = time.Since(start)
	if err != nil {
		r.Err = fmt.Errorf("ping failed: %w", err)
		return r
	}
	stats := pool.Stat()
	r.AcquiredConns = stats.AcquiredConns()
	r.MaxConns = stats.MaxConns()

	if r.LatestVersion, err = latestVersion(); err != nil {
		r.Err = err
		return r
	}
	query := fmt.Sprintf("SELECT COALESCE(MAX(version_id), 0) FROM %s WHERE is_applied", goose.TableName())
	if err := pool.QueryRow(ctx, query).Scan(&r.SchemaVersion); err != nil {
		r.Err = fmt.Errorf("%w: reading schema version: %v", ErrSchemaBehind, err)
		return r
	}
	if r.SchemaVersion < r.LatestVersion {
		r.Err = fmt.Errorf("%w: at %d, latest is %d (run lexireport db migrate)", ErrSchemaBehind, r.SchemaVersion, r.LatestVersion)
	}
	return r
}

// ReadyCheck adapts CheckReadiness to a readiness endpoint check.
func ReadyCheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		return CheckReadiness(ctx, pool).Err
	}
}
