package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

func seedReport(t *testing.T, m *Memory, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, m.CreateReport(context.Background(), &analysis.Report{
		ID:          id,
		OwnerID:     "owner-1",
		DocumentRef: "docs/" + id,
		Kind:        analysis.KindPDF,
		State:       analysis.StateReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
}

func TestMemory_CreateReportConflict(t *testing.T) {
	m := NewMemory()
	seedReport(t, m, "r1")

	err := m.CreateReport(context.Background(), &analysis.Report{ID: "r1"})
	assert.ErrorIs(t, err, lrerrors.ErrConflict)

	_, err = m.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, lrerrors.ErrNotFound)
}

func TestMemory_CompareAndSetState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")

	ok, err := m.CompareAndSetState(ctx, "r1", analysis.StateReceived, analysis.StateExtracting)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CompareAndSetState(ctx, "r1", analysis.StateReceived, analysis.StateFailed)
	require.NoError(t, err)
	assert.False(t, ok, "stale from-state must not apply")

	r, err := m.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, analysis.StateExtracting, r.State)
}

func TestMemory_CancelReportOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first, err := m.CancelReport(ctx, "r1", at)
	require.NoError(t, err)
	second, err := m.CancelReport(ctx, "r1", at.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	r, err := m.GetReport(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, r.CancelledAt)
	assert.True(t, r.Cancelled())
	assert.Equal(t, at, *r.CancelledAt)
}

func TestMemory_CreateJobAllowsOneActivePerStage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")

	created, err := m.CreateJob(ctx, &analysis.Job{ID: "j1", ReportID: "r1", Stage: analysis.StageExtract})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.CreateJob(ctx, &analysis.Job{ID: "j2", ReportID: "r1", Stage: analysis.StageExtract})
	require.NoError(t, err)
	assert.False(t, created)

	created, err = m.CreateJob(ctx, &analysis.Job{ID: "j3", ReportID: "r1", Stage: analysis.StageSummarize})
	require.NoError(t, err)
	assert.True(t, created, "other stages are independent")

	_, err = m.MarkRunning(ctx, "j1", time.Now(), time.Time{})
	require.NoError(t, err)
	_, err = m.MarkSucceeded(ctx, "j1", time.Now())
	require.NoError(t, err)

	created, err = m.CreateJob(ctx, &analysis.Job{ID: "j4", ReportID: "r1", Stage: analysis.StageExtract})
	require.NoError(t, err)
	assert.True(t, created, "a fresh job is allowed once the previous one is terminal")

	jobs, err := m.ListJobs(ctx, "r1")
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"j1", "j3", "j4"}, ids)

	latest := LatestByStage(jobs)
	assert.Equal(t, "j4", latest[analysis.StageExtract].ID)
	assert.Equal(t, analysis.JobPending, latest[analysis.StageExtract].State)
}

func TestMemory_CreateJobConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")

	const workers = 32
	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := m.CreateJob(ctx, &analysis.Job{
				ID:       fmt.Sprintf("job-%d", i),
				ReportID: "r1",
				Stage:    analysis.StageClassify,
			})
			assert.NoError(t, err)
			if created {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestMemory_CreateJobErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateJob(ctx, &analysis.Job{ID: "j1", ReportID: "nope", Stage: analysis.StageExtract})
	assert.ErrorIs(t, err, lrerrors.ErrNotFound)

	seedReport(t, m, "r1")
	_, err = m.CreateJob(ctx, &analysis.Job{ID: "j1", ReportID: "r1", Stage: analysis.StageExtract})
	require.NoError(t, err)
	_, err = m.CreateJob(ctx, &analysis.Job{ID: "j1", ReportID: "r1", Stage: analysis.StageClassify})
	assert.ErrorIs(t, err, lrerrors.ErrConflict)
}

func TestMemory_JobTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")

	_, err := m.CreateJob(ctx, &analysis.Job{ID: "j1", ReportID: "r1", Stage: analysis.StageNarrate})
	require.NoError(t, err)

	_, err = m.MarkRetry(ctx, "j1", "timeout", "too slow", time.Now())
	assert.ErrorIs(t, err, lrerrors.ErrInvalidState, "retry requires a running job")

	j, err := m.MarkRunning(ctx, "j1", time.Now(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempt)
	assert.Equal(t, analysis.JobRunning, j.State)
	require.NotNil(t, j.StartedAt)

	retryAt := time.Now().Add(time.Minute)
	j, err = m.MarkRetry(ctx, "j1", "timeout", "too slow", retryAt)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobFailed, j.State)
	assert.Equal(t, "timeout", j.ErrorCode)
	assert.Equal(t, retryAt, j.ScheduledFor)

	j, err = m.MarkRunning(ctx, "j1", time.Now(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, j.Attempt)

	// A running job belongs to its worker until the lease runs out.
	_, err = m.MarkRunning(ctx, "j1", time.Now(), j.StartedAt.Add(-time.Second))
	assert.ErrorIs(t, err, lrerrors.ErrInvalidState)

	// After that it can be reclaimed, as another attempt.
	j, err = m.MarkRunning(ctx, "j1", time.Now(), j.StartedAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, j.Attempt)

	j, err = m.MarkSucceeded(ctx, "j1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobSucceeded, j.State)
	require.NotNil(t, j.FinishedAt)

	_, err = m.MarkDeadLettered(ctx, "j1", "cancelled", "late", time.Now())
	assert.ErrorIs(t, err, lrerrors.ErrInvalidState)
	_, err = m.MarkRunning(ctx, "j1", time.Now(), time.Time{})
	assert.ErrorIs(t, err, lrerrors.ErrInvalidState)

	_, err = m.MarkRunning(ctx, "missing", time.Now(), time.Time{})
	assert.ErrorIs(t, err, lrerrors.ErrNotFound)
}

func TestMemory_MarkRunningClaimsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")
	_, err := m.CreateJob(ctx, &analysis.Job{ID: "j1", ReportID: "r1", Stage: analysis.StageExtract})
	require.NoError(t, err)

	now := time.Now()
	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.MarkRunning(ctx, "j1", now, now.Add(-time.Minute)); err == nil {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	j, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempt)
}

func TestMemory_ListStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedReport(t, m, "r1")

	old := time.Now().Add(-time.Hour)
	for i, stage := range []analysis.StageName{analysis.StageExtract, analysis.StageSummarize, analysis.StageClassify} {
		_, err := m.CreateJob(ctx, &analysis.Job{
			ID:           fmt.Sprintf("j%d", i),
			ReportID:     "r1",
			Stage:        stage,
			ScheduledFor: old,
		})
		require.NoError(t, err)
	}
	_, err := m.CreateJob(ctx, &analysis.Job{ID: "future", ReportID: "r1", Stage: analysis.StageEntities, ScheduledFor: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = m.MarkRunning(ctx, "j1", time.Now(), time.Time{})
	require.NoError(t, err)

	stale, err := m.ListStale(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "j0", stale[0].ID)
	assert.Equal(t, "j2", stale[1].ID)

	limited, err := m.ListStale(ctx, time.Now(), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
