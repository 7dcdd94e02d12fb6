package cmd

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/db"
)

// DbCommandDeps holds the dependencies for database commands.
type DbCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	OpenDB     func(*config.Config) (*sql.DB, error)
}

// DefaultDbDeps returns the default dependencies for production use.
func DefaultDbDeps() *DbCommandDeps {
	return &DbCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.Load("") },
		OpenDB:     openDatabase,
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	return db.OpenSQL(cfg.Database.DB())
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *DbCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDbDeps()
	}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Manage the PostgreSQL schema used when storage is set to postgres.

Migrations are compiled into the binary and tracked in the goose version
table. Connection settings come from the database section of the config file,
overridden by LEXIREPORT_DB_* environment variables.

Examples:
  # Show migration status
  lexireport db status

  # Apply all pending migrations
  lexireport db migrate

  # Preview without applying
  lexireport db migrate --dry-run

  # Revert the latest migration
  lexireport db rollback`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))
	cmd.AddCommand(newDbRollbackCommand(deps))

	return cmd
}

func newDbMigrateCommand(deps *DbCommandDeps) *cobra.Command {
	var (
		dryRun bool
		target int64
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations in version order.

Flags:
  --dry-run   Show what would be applied without executing migrations
  --target    Stop after this version
  --yes       Do not ask for confirmation

Examples:
  lexireport db migrate
  lexireport db migrate --dry-run
  lexireport db migrate --target 1 --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd, deps, dryRun, target, yes)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().Int64VarP(&target, "target", "t", 0, "Target version to migrate to")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Apply without confirmation")

	return cmd
}

func newDbStatusCommand(deps *DbCommandDeps) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show the current schema version, the latest embedded migration and any
migrations still pending.

Examples:
  lexireport db status
  lexireport db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd, deps, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newDbRollbackCommand(deps *DbCommandDeps) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the most recent migration",
		Long: `Revert the most recently applied migration.

Rolling back the initial migration drops every lexireport table, including
all reports and insights.

Examples:
  lexireport db rollback
  lexireport db rollback --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbRollback(cmd, deps, yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Roll back without confirmation")
	return cmd
}

func (d *DbCommandDeps) open() (*sql.DB, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	d.Config = cfg

	conn, err := d.OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return conn, nil
}

func runDbMigrate(cmd *cobra.Command, deps *DbCommandDeps, dryRun bool, target int64, yes bool) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	conn, err := deps.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	status, err := db.Status(ctx, conn)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	pending := status.Pending
	if target > 0 {
		pending = pending[:0:0]
		for _, v := range status.Pending {
			if v <= target {
				pending = append(pending, v)
			}
		}
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(out, "Current version: %d\n", status.Current)
	fmt.Fprintf(out, "Pending migrations (%d):\n", len(pending))
	for _, v := range pending {
		fmt.Fprintf(out, "  %05d\n", v)
	}
	fmt.Fprintln(out)

	if dryRun {
		fmt.Fprintln(out, "Dry run mode: no migrations applied.")
		return nil
	}

	if !yes && !confirm(cmd.InOrStdin(), out, "Apply these migrations?") {
		fmt.Fprintln(out, "Migration cancelled.")
		return nil
	}

	if err := db.Migrate(ctx, conn, target); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	after, err := db.Status(ctx, conn)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}
	fmt.Fprintf(out, "Migrations applied. Schema is at version %d.\n", after.Current)
	return nil
}

func runDbStatus(cmd *cobra.Command, deps *DbCommandDeps, outputFormat string) error {
	conn, err := deps.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	status, err := db.Status(commandContext(cmd), conn)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	format, err := resolveFormat(deps.Config, outputFormat)
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), format, status, func(w io.Writer) error {
		fmt.Fprintf(w, "Current version: %d\n", status.Current)
		fmt.Fprintf(w, "Latest version:  %d\n", status.Latest)
		if status.UpToDate() {
			fmt.Fprintln(w, "Schema is up to date.")
			return nil
		}
		fmt.Fprintf(w, "Pending (%d):\n", len(status.Pending))
		for _, v := range status.Pending {
			fmt.Fprintf(w, "  %05d\n", v)
		}
		return nil
	})
}

func runDbRollback(cmd *cobra.Command, deps *DbCommandDeps, yes bool) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	conn, err := deps.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	status, err := db.Status(ctx, conn)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}
	if status.Current == 0 {
		fmt.Fprintln(out, "Nothing to roll back.")
		return nil
	}

	if !yes && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Roll back version %d?", status.Current)) {
		fmt.Fprintln(out, "Rollback cancelled.")
		return nil
	}
	if err := db.Rollback(ctx, conn); err != nil {
		return fmt.Errorf("rolling back: %w", err)
	}
	fmt.Fprintf(out, "Rolled back version %d.\n", status.Current)
	return nil
}

// confirm asks a yes/no question on out and reads the answer from in.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s (y/N): ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
