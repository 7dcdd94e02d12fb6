package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres implements Store on a pgx connection pool. The schema lives in
// pkg/db/migrations; the partial unique index on processing_jobs enforces the
// single active job per (report, stage).
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool, logger logging.Logger) *Postgres {
	return &Postgres{
		pool:   pool,
		logger: logger.With(logging.F("component", "job_store")),
	}
}

const reportColumns = `id, owner_id, document_ref, kind, state, created_at, updated_at, cancelled_at`

const jobColumns = `id, report_id, stage, attempt, state, priority, scheduled_for,
	COALESCE(last_error, ''), COALESCE(error_code, ''), created_at, updated_at, started_at, finished_at`

func (p *Postgres) CreateReport(ctx context.Context, r *analysis.Report) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO reports (id, owner_id, document_ref, kind, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.OwnerID, r.DocumentRef, string(r.Kind), string(r.State), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return fmt.Errorf("report %s: %w", r.ID, lrerrors.ErrConflict)
		}
		return fmt.Errorf("failed to create report: %w", storageErr(err))
	}
	return nil
}

func (p *Postgres) GetReport(ctx context.Context, id string) (*analysis.Report, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, lrerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", storageErr(err))
	}
	return r, nil
}

func (p *Postgres) CompareAndSetState(ctx context.Context, id string, from, to analysis.ReportState) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reports SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to update report state: %w", storageErr(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetReport(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) CancelReport(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reports SET cancelled_at = $2, updated_at = $2
		WHERE id = $1 AND cancelled_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to cancel report: %w", storageErr(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetReport(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) CreateJob(ctx context.Context, j *analysis.Job) (bool, error) {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.State == "" {
		j.State = analysis.JobPending
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = j.CreatedAt
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO processing_jobs (id, report_id, stage, attempt, state, priority, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (report_id, stage) WHERE state IN ('pending', 'running', 'failed') DO NOTHING
	`, j.ID, j.ReportID, string(j.Stage), j.Attempt, string(j.State), int(j.Priority), j.ScheduledFor, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		switch {
		case isPgCode(err, pgForeignKeyViolation):
			return false, fmt.Errorf("report %s: %w", j.ReportID, lrerrors.ErrNotFound)
		case isPgCode(err, pgUniqueViolation):
			return false, fmt.Errorf("job %s: %w", j.ID, lrerrors.ErrConflict)
		}
		return false, fmt.Errorf("failed to create job: %w", storageErr(err))
	}

	created := tag.RowsAffected() == 1
	if !created {
		p.logger.Debug("Active job exists, skipping create",
			logging.F("report_id", j.ReportID),
			logging.F("stage", string(j.Stage)))
	}
	return created, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*analysis.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, lrerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", storageErr(err))
	}
	return j, nil
}

func (p *Postgres) ListJobs(ctx context.Context, reportID string) ([]*analysis.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE report_id = $1
		ORDER BY created_at, seq
	`, reportID)
}

func (p *Postgres) MarkRunning(ctx context.Context, id string, at, reclaimBefore time.Time) (*analysis.Job, error) {
	return p.transition(ctx, id, `
		UPDATE processing_jobs
		SET state = 'running', attempt = attempt + 1, started_at = $2, updated_at = $2
		WHERE id = $1 AND (
			state IN ('pending', 'failed')
			OR (state = 'running' AND (started_at IS NULL OR started_at < $3))
		)
		RETURNING `+jobColumns, at, reclaimBefore)
}

func (p *Postgres) MarkRetry(ctx context.Context, id string, code, message string, scheduledFor time.Time) (*analysis.Job, error) {
	return p.transition(ctx, id, `
		UPDATE processing_jobs
		SET state = 'failed', error_code = $2, last_error = $3, scheduled_for = $4, updated_at = NOW()
		WHERE id = $1 AND state = 'running'
		RETURNING `+jobColumns, code, message, scheduledFor)
}

func (p *Postgres) MarkSucceeded(ctx context.Context, id string, at time.Time) (*analysis.Job, error) {
	return p.transition(ctx, id, `
		UPDATE processing_jobs
		SET state = 'succeeded', finished_at = $2, updated_at = $2
		WHERE id = $1 AND state IN ('pending', 'running', 'failed')
		RETURNING `+jobColumns, at)
}

func (p *Postgres) MarkDeadLettered(ctx context.Context, id string, code, message string, at time.Time) (*analysis.Job, error) {
	return p.transition(ctx, id, `
		UPDATE processing_jobs
		SET state = 'dead_lettered', error_code = $2, last_error = $3, finished_at = $4, updated_at = $4
		WHERE id = $1 AND state IN ('pending', 'running', 'failed')
		RETURNING `+jobColumns, code, message, at)
}

func (p *Postgres) ListStale(ctx context.Context, before time.Time, limit int) ([]*analysis.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE state IN ('pending', 'failed') AND scheduled_for < $1
		ORDER BY scheduled_for, seq
		LIMIT $2
	`, before, limit)
}

func (p *Postgres) transition(ctx context.Context, id, query string, args ...interface{}) (*analysis.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, query, append([]interface{}{id}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := p.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("job %s is %s: %w", id, current.State, lrerrors.ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", storageErr(err))
	}
	return j, nil
}

func (p *Postgres) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*analysis.Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", storageErr(err))
	}
	defer rows.Close()

	var jobs []*analysis.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", storageErr(err))
	}
	return jobs, nil
}

func scanReport(row pgx.Row) (*analysis.Report, error) {
	var (
		r           analysis.Report
		kind, state string
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.DocumentRef, &kind, &state, &r.CreatedAt, &r.UpdatedAt, &r.CancelledAt); err != nil {
		return nil, err
	}
	r.Kind = analysis.DocumentKind(kind)
	r.State = analysis.ReportState(state)
	return &r, nil
}

func scanJob(row pgx.Row) (*analysis.Job, error) {
	var (
		j            analysis.Job
		stage, state string
		priority     int
	)
	if err := row.Scan(&j.ID, &j.ReportID, &stage, &j.Attempt, &state, &priority, &j.ScheduledFor,
		&j.LastError, &j.ErrorCode, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	j.Stage = analysis.StageName(stage)
	j.State = analysis.JobState(state)
	j.Priority = analysis.Priority(priority)
	return &j, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// storageErr marks connection-level failures as ErrStorageUnavailable so the
// retry policy treats them as transient.
func storageErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return fmt.Errorf("%w: %w", lrerrors.ErrStorageUnavailable, err)
}

var _ Store = (*Postgres)(nil)
