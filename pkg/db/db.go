// Package db holds the PostgreSQL plumbing shared by the report and insight
// stores: role-sized pools, schema migrations, schema readiness and pool
// metrics.
package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
)

// Role is how a process uses the database. It sizes the pool and names the
// connections in pg_stat_activity.
type Role string

const (
	// RoleAPI serves reads and submissions, plus any embedded workers.
	RoleAPI Role = "api"
	// RoleWorker claims jobs, commits insights and sweeps stale jobs.
	RoleWorker Role = "worker"
	// RoleMigrate applies schema migrations over a single connection.
	RoleMigrate Role = "migrate"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// URL, when set, replaces the host/port/user fields.
	URL             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	Role            Role
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	// StatementTimeout bounds every store query. 0 leaves the server default.
	StatementTimeout time.Duration
}

// DefaultConfig returns the configuration of an API process on localhost.
func DefaultConfig() *Config {
	return &Config{
		Host:             "localhost",
		Port:             5432,
		Database:         "lexireport",
		User:             "lexireport",
		SSLMode:          "disable",
		Role:             RoleAPI,
		MaxConns:         20,
		MinConns:         2,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  30 * time.Minute,
		ConnectTimeout:   10 * time.Second,
		StatementTimeout: 30 * time.Second,
	}
}

// ConfigFromEnv overlays LEXIREPORT_DB_* environment variables on the defaults.
func ConfigFromEnv() *Config {
	return ApplyEnv(DefaultConfig())
}

const envPrefix = "LEXIREPORT_DB_"

// ApplyEnv overlays LEXIREPORT_DB_* variables on cfg and returns it: URL,
// HOST, PORT, NAME, USER, PASSWORD, SSLMODE, MAX_CONNS and MIN_CONNS.
// Unparsable numbers are ignored.
func ApplyEnv(cfg *Config) *Config {
	str := map[string]*string{
		"URL":      &cfg.URL,
		"HOST":     &cfg.Host,
		"NAME":     &cfg.Database,
		"USER":     &cfg.User,
		"PASSWORD": &cfg.Password,
		"SSLMODE":  &cfg.SSLMode,
	}
	for key, dst := range str {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	conns := map[string]*int32{"MAX_CONNS": &cfg.MaxConns, "MIN_CONNS": &cfg.MinConns}
	for key, dst := range conns {
		if v := os.Getenv(envPrefix + key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 32); err == nil {
				*dst = int32(n)
			}
		}
	}
	return cfg
}

// ForRole returns a copy of c sized for role. A worker process gets one
// connection per worker plus two for the stale job sweep and the
// orchestrator; an API process adds its embedded workers to MaxConns; a
// migration runs on one connection.
func (c *Config) ForRole(role Role, workers int) *Config {
	out := *c
	out.Role = role
	if workers < 0 {
		workers = 0
	}
	switch role {
	case RoleWorker:
		out.MaxConns = int32(workers) + 2
	case RoleMigrate:
		out.MaxConns, out.MinConns = 1, 0
		out.StatementTimeout = 0
	default:
		out.MaxConns += int32(workers)
	}
	if out.MinConns > out.MaxConns {
		out.MinConns = out.MaxConns
	}
	return &out
}

// ApplicationName is the name the pool's connections report to the server.
func (c *Config) ApplicationName() string {
	role := c.Role
	if role == "" {
		role = RoleAPI
	}
	return "lexireport-" + string(role)
}

// ConnectionString builds a PostgreSQL connection string from the config.
func (c *Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
		int(c.ConnectTimeout.Seconds()),
	)
}

// Validate checks that the config can open a pool.
func (c *Config) Validate() error {
	switch c.Role {
	case "", RoleAPI, RoleWorker, RoleMigrate:
	default:
		return fmt.Errorf("unknown database role: %q", c.Role)
	}
	if c.MaxConns < 1 || c.MaxConns < c.MinConns {
		return fmt.Errorf("max connections (%d) must be >= 1 and >= min connections (%d)", c.MaxConns, c.MinConns)
	}
	if c.URL != "" {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	return nil
}

func (c *Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	if c.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = c.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = c.ApplicationName()
	if c.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// Connect opens a pool and pings it, retrying failed pings with the backoff
// of policy. A nil policy tries once. The caller closes the pool.
func Connect(ctx context.Context, cfg *Config, policy *retry.Policy) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	attempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		attempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.Backoff(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("connecting as %s failed after %d attempts: %w", cfg.ApplicationName(), attempts, lastErr)
}

// Close closes pool if it is not nil.
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
