package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// PostgresStore implements Store on a pgx pool. The version counter lives in
// insight_versions and is bumped with an upsert inside the same transaction
// as the insert, so concurrent writers serialize on the counter row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore creates a Postgres-backed insight store.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With(logging.F("component", "insight_store")),
	}
}

const insightColumns = `id, report_id, stage, version, COALESCE(job_id, ''), content, confidence, created_at`

func (s *PostgresStore) Append(ctx context.Context, ins *analysis.Insight) (int, error) {
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	content := []byte(ins.Content)
	if len(content) == 0 {
		content = []byte("null")
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO insight_versions (report_id, stage, last_version)
			VALUES ($1, $2, 1)
			ON CONFLICT (report_id, stage)
			DO UPDATE SET last_version = insight_versions.last_version + 1
			RETURNING last_version
		`, ins.ReportID, string(ins.Stage)).Scan(&ins.Version); err != nil {
			return fmt.Errorf("failed to bump insight version: %w", err)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO insights (id, report_id, stage, version, job_id, content, confidence, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NOW())
			RETURNING created_at
		`, ins.ID, ins.ReportID, string(ins.Stage), ins.Version, ins.JobID, content, ins.Confidence).Scan(&ins.CreatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("insight for job %s: %w", ins.JobID, lrerrors.ErrConflict)
		}
		if !errors.As(err, &pgErr) {
			err = fmt.Errorf("%w: %w", lrerrors.ErrStorageUnavailable, err)
		}
		s.logger.Error("Failed to append insight",
			logging.Err(err),
			logging.F("report_id", ins.ReportID),
			logging.F("stage", string(ins.Stage)))
		return 0, fmt.Errorf("failed to append insight: %w", err)
	}

	s.logger.Debug("Insight appended",
		logging.F("report_id", ins.ReportID),
		logging.F("stage", string(ins.Stage)),
		logging.F("version", ins.Version))
	return ins.Version, nil
}

func (s *PostgresStore) Current(ctx context.Context, reportID string, stage analysis.StageName) (*analysis.Insight, error) {
	return s.one(ctx, `
		SELECT `+insightColumns+` FROM insights
		WHERE report_id = $1 AND stage = $2
		ORDER BY version DESC
		LIMIT 1
	`, reportID, string(stage))
}

func (s *PostgresStore) History(ctx context.Context, reportID string, stage analysis.StageName) ([]*analysis.Insight, error) {
	return s.many(ctx, `
		SELECT `+insightColumns+` FROM insights
		WHERE report_id = $1 AND stage = $2
		ORDER BY version
	`, reportID, string(stage))
}

func (s *PostgresStore) CurrentAll(ctx context.Context, reportID string) (map[analysis.StageName]*analysis.Insight, error) {
	list, err := s.many(ctx, `
		SELECT DISTINCT ON (stage) `+insightColumns+` FROM insights
		WHERE report_id = $1
		ORDER BY stage, version DESC
	`, reportID)
	if err != nil {
		return nil, err
	}
	out := make(map[analysis.StageName]*analysis.Insight, len(list))
	for _, ins := range list {
		out[ins.Stage] = ins
	}
	return out, nil
}

func (s *PostgresStore) ByJob(ctx context.Context, jobID string) (*analysis.Insight, error) {
	return s.one(ctx, `SELECT `+insightColumns+` FROM insights WHERE job_id = $1`, jobID)
}

func (s *PostgresStore) List(ctx context.Context, reportID string, filter Filter) ([]*analysis.Insight, error) {
	var (
		where = []string{"i.report_id = $1"}
		args  = []interface{}{reportID}
	)
	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		where = append(where, fmt.Sprintf("i.stage = $%d", len(args)))
	}
	if filter.MinConfidence != nil {
		args = append(args, *filter.MinConfidence)
		where = append(where, fmt.Sprintf("i.confidence >= $%d", len(args)))
	}
	if filter.CurrentOnly {
		where = append(where, "i.version = v.last_version")
	}

	query := `SELECT i.id, i.report_id, i.stage, i.version, COALESCE(i.job_id, ''), i.content, i.confidence, i.created_at
		FROM insights i
		JOIN insight_versions v ON v.report_id = i.report_id AND v.stage = i.stage
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY i.stage, i.version`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.many(ctx, query, args...)
}

func (s *PostgresStore) one(ctx context.Context, query string, args ...interface{}) (*analysis.Insight, error) {
	ins, err := scanInsight(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query insight: %w", err)
	}
	return ins, nil
}

func (s *PostgresStore) many(ctx context.Context, query string, args ...interface{}) ([]*analysis.Insight, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var out []*analysis.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func scanInsight(row pgx.Row) (*analysis.Insight, error) {
	var (
		ins     analysis.Insight
		stage   string
		content []byte
	)
	if err := row.Scan(&ins.ID, &ins.ReportID, &stage, &ins.Version, &ins.JobID, &content, &ins.Confidence, &ins.CreatedAt); err != nil {
		return nil, err
	}
	ins.Stage = analysis.StageName(stage)
	ins.Content = content
	return &ins, nil
}

var _ Store = (*PostgresStore)(nil)
