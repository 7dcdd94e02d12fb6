// Package store persists reports and processing jobs.
//
// The job store is one of the pipeline's two shared mutable resources: CreateJob
// is an atomic "create unless a non-terminal job exists for (report, stage)",
// and every state change is a guarded transition, so many workers can share it
// without any other coordination.
package store

import (
	"context"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// Reports persists reports.
type Reports interface {
	// CreateReport inserts r. Returns ErrConflict if the id exists.
	CreateReport(ctx context.Context, r *analysis.Report) error

	// GetReport returns the report or ErrNotFound.
	GetReport(ctx context.Context, id string) (*analysis.Report, error)

	// CompareAndSetState updates the cached state only if it currently equals from.
	CompareAndSetState(ctx context.Context, id string, from, to analysis.ReportState) (bool, error)

	// CancelReport soft-deletes the report. Returns false if it was already cancelled.
	CancelReport(ctx context.Context, id string, at time.Time) (bool, error)
}

// Jobs persists processing jobs.
type Jobs interface {
	// CreateJob inserts j unless a non-terminal job already exists for
	// (j.ReportID, j.Stage). It reports whether the job was created.
	CreateJob(ctx context.Context, j *analysis.Job) (bool, error)

	// GetJob returns the job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*analysis.Job, error)

	// ListJobs returns all jobs of a report, oldest first.
	ListJobs(ctx context.Context, reportID string) ([]*analysis.Job, error)

	// MarkRunning claims a pending or failed job for one worker: it moves the
	// job to running and increments its attempt. A running job can only be
	// reclaimed once it started before reclaimBefore, that is once the
	// previous worker's lease has run out. Otherwise it returns ErrInvalidState.
	MarkRunning(ctx context.Context, id string, at, reclaimBefore time.Time) (*analysis.Job, error)

	// MarkRetry records a failed attempt on a running job and schedules the retry.
	MarkRetry(ctx context.Context, id string, code, message string, scheduledFor time.Time) (*analysis.Job, error)

	// MarkSucceeded moves a non-terminal job to succeeded.
	MarkSucceeded(ctx context.Context, id string, at time.Time) (*analysis.Job, error)

	// MarkDeadLettered moves a non-terminal job to dead_lettered.
	MarkDeadLettered(ctx context.Context, id string, code, message string, at time.Time) (*analysis.Job, error)

	// ListStale returns pending or failed jobs whose scheduled time is before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*analysis.Job, error)
}

// Store combines report and job persistence.
type Store interface {
	Reports
	Jobs
}

// LatestByStage returns the most recently created job per stage. jobs must be
// ordered oldest first, as ListJobs returns them.
func LatestByStage(jobs []*analysis.Job) map[analysis.StageName]*analysis.Job {
	latest := make(map[analysis.StageName]*analysis.Job, len(jobs))
	for _, j := range jobs {
		latest[j.Stage] = j
	}
	return latest
}
