// Package orchestrator decides which stages of a report are runnable and
// enqueues them.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// Orchestrator evaluates stage graphs. It holds no per-report state; every
// decision is made over committed jobs and insights, so any number of
// orchestrators may evaluate the same report concurrently.
type Orchestrator struct {
	jobs    store.Jobs
	tracker *status.Tracker
	queue   queues.Queue
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  logging.Logger
	now     func() time.Time
}

// New creates an orchestrator.
func New(jobs store.Jobs, tracker *status.Tracker, queue queues.Queue, metrics *observability.Metrics, logger logging.Logger) *Orchestrator {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Orchestrator{
		jobs:    jobs,
		tracker: tracker,
		queue:   queue,
		metrics: metrics,
		tracer:  observability.NewTracer(),
		logger:  logger.With(logging.F("component", "orchestrator")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate creates and enqueues a job for every runnable stage of the report
// and returns the stages it enqueued, in evaluation order.
//
// A stage is runnable when every dependency has a succeeded insight, it has
// never had a job, and no ancestor is dead-lettered. Failed and cancelled
// reports return ErrReportTerminal. Repeated calls enqueue nothing new.
func (o *Orchestrator) Evaluate(ctx context.Context, reportID string) ([]analysis.StageName, error) {
	ctx, span := o.tracer.StartEvaluateSpan(ctx, reportID)
	defer span.End()
	sh := observability.NewSpanHelper(span)

	snap, err := o.tracker.Load(ctx, reportID)
	if err != nil {
		sh.SetError(err, string(lrerrors.CodeOf(err)), lrerrors.IsErrorRetryable(err))
		return nil, err
	}
	st := snap.Derive()
	if st.State == analysis.StateCancelled || st.State == analysis.StateFailed {
		return nil, fmt.Errorf("report %s is %s: %w", reportID, st.State, lrerrors.ErrReportTerminal)
	}

	var enqueued []analysis.StageName
	for _, name := range Runnable(snap) {
		ok, err := o.schedule(ctx, reportID, name, analysis.PriorityBatch)
		if err != nil {
			sh.SetError(err, string(lrerrors.CodeOf(err)), lrerrors.IsErrorRetryable(err))
			return enqueued, err
		}
		if ok {
			enqueued = append(enqueued, name)
		}
	}

	names := make([]string, len(enqueued))
	for i, n := range enqueued {
		names[i] = string(n)
	}
	sh.SetEnqueued(names)
	sh.SetSuccess()
	if len(enqueued) > 0 {
		o.logger.Debug("Stages enqueued",
			logging.F("report_id", reportID),
			logging.F("stages", names))
	}
	return enqueued, nil
}

// Runnable returns the stages of snap that may start now, in evaluation order.
func Runnable(snap *status.Snapshot) []analysis.StageName {
	blocked := status.BlockedStages(snap.Graph, snap.Latest, snap.Succeeded)

	var out []analysis.StageName
	for _, name := range snap.Graph.Order() {
		if snap.Succeeded[name] || snap.Latest[name] != nil || blocked[name] != "" {
			continue
		}
		if DependenciesMet(snap, name) {
			out = append(out, name)
		}
	}
	return out
}

// DependenciesMet reports whether every dependency of stage has a succeeded insight.
func DependenciesMet(snap *status.Snapshot, stage analysis.StageName) bool {
	def, ok := snap.Graph.Definition(stage)
	if !ok {
		return false
	}
	for _, dep := range def.DependsOn {
		if !snap.Succeeded[dep] {
			return false
		}
	}
	return true
}

// Schedule creates a fresh job for stage and enqueues it, unless a
// non-terminal job already exists. It does not check dependencies.
func (o *Orchestrator) Schedule(ctx context.Context, reportID string, stage analysis.StageName, priority analysis.Priority) (bool, error) {
	return o.schedule(ctx, reportID, stage, priority)
}

func (o *Orchestrator) schedule(ctx context.Context, reportID string, stage analysis.StageName, priority analysis.Priority) (bool, error) {
	now := o.now()
	job := &analysis.Job{
		ID:           uuid.NewString(),
		ReportID:     reportID,
		Stage:        stage,
		State:        analysis.JobPending,
		Priority:     priority,
		ScheduledFor: now,
		CreatedAt:    now,
	}
	created, err := o.jobs.CreateJob(ctx, job)
	if err != nil {
		return false, fmt.Errorf("failed to create %s job: %w", stage, err)
	}
	if !created {
		return false, nil
	}

	// The job row is the source of truth. If the enqueue fails the stale job
	// sweep picks it up later.
	if _, err := o.queue.Enqueue(ctx, queues.JobMessage{
		JobID:    job.ID,
		ReportID: reportID,
		Stage:    stage,
		Priority: priority,
	}, 0); err != nil {
		o.logger.Warn("Failed to enqueue job, leaving it for recovery",
			logging.Err(err),
			logging.F("report_id", reportID),
			logging.F("stage", string(stage)),
			logging.F("job_id", job.ID))
	}
	o.metrics.RecordEnqueued(string(stage), priority.String())
	return true, nil
}
