package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	// database/sql driver used by goose.
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsDir = "migrations"

// MigrationStatus describes the schema version of a database.
type MigrationStatus struct {
	Current int64   `json:"current"`
	Latest  int64   `json:"latest"`
	Pending []int64 `json:"pending"`
}

// UpToDate reports whether every embedded migration has been applied.
func (s *MigrationStatus) UpToDate() bool {
	return len(s.Pending) == 0
}

func init() {
	goose.SetBaseFS(migrationFiles)
}

// OpenSQL opens a single-connection database/sql handle for migrations
// through lib/pq. The stores use pgx.
func OpenSQL(cfg *Config) (*sql.DB, error) {
	cfg = cfg.ForRole(RoleMigrate, 0)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	dsn, err := url.Parse(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	q := dsn.Query()
	q.Set("application_name", cfg.ApplicationName())
	dsn.RawQuery = q.Encode()

	conn, err := sql.Open("postgres", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(int(cfg.MaxConns))
	return conn, nil
}

// Migrate applies all pending embedded migrations. If target is > 0 it stops
// at that version.
func Migrate(ctx context.Context, conn *sql.DB, target int64) error {
	if conn == nil {
		return fmt.Errorf("database is nil")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if target > 0 {
		return goose.UpToContext(ctx, conn, migrationsDir, target)
	}
	return goose.UpContext(ctx, conn, migrationsDir)
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, conn *sql.DB) error {
	if conn == nil {
		return fmt.Errorf("database is nil")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.DownContext(ctx, conn, migrationsDir)
}

// Status compares the database version with the embedded migrations.
func Status(ctx context.Context, conn *sql.DB) (*MigrationStatus, error) {
	if conn == nil {
		return nil, fmt.Errorf("database is nil")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	current, err := goose.GetDBVersionContext(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	available, err := AvailableMigrations()
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{Current: current}
	for _, v := range available {
		if v > status.Latest {
			status.Latest = v
		}
		if v > current {
			status.Pending = append(status.Pending, v)
		}
	}
	return status, nil
}

// AvailableMigrations lists the versions of the embedded migrations, ascending.
func AvailableMigrations() ([]int64, error) {
	migrations, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}
	versions := make([]int64, 0, len(migrations))
	for _, m := range migrations {
		versions = append(versions, m.Version)
	}
	return versions, nil
}
