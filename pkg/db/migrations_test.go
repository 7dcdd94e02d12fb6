package db

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableMigrations(t *testing.T) {
	versions, err := AvailableMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, int64(1), versions[0])

	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}

func TestEmbeddedSchema(t *testing.T) {
	data, err := fs.ReadFile(migrationFiles, "migrations/00001_init.sql")
	require.NoError(t, err)
	schema := string(data)

	for _, table := range []string{"reports", "processing_jobs", "insight_versions", "insights"} {
		assert.Contains(t, schema, "CREATE TABLE "+table+" ")
	}
	assert.Contains(t, schema, "-- +goose Up")
	assert.Contains(t, schema, "-- +goose Down")

	// The job store's ON CONFLICT clause relies on this exact predicate.
	assert.True(t, strings.Contains(schema, "ON processing_jobs (report_id, stage)\n    WHERE state IN ('pending', 'running', 'failed')"))
}

func TestMigrate_NilDatabase(t *testing.T) {
	ctx := context.Background()

	assert.Error(t, Migrate(ctx, nil, 0))
	assert.Error(t, Rollback(ctx, nil))
	_, err := Status(ctx, nil)
	assert.Error(t, err)
}

func TestMigrationStatus_UpToDate(t *testing.T) {
	assert.True(t, (&MigrationStatus{Current: 1, Latest: 1}).UpToDate())
	assert.False(t, (&MigrationStatus{Current: 0, Latest: 1, Pending: []int64{1}}).UpToDate())
}
