package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/orchestrator"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	"github.com/otherjamesbrown/lexireport/pkg/blob"
	"github.com/otherjamesbrown/lexireport/pkg/capabilities"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
	"github.com/otherjamesbrown/lexireport/pkg/notify"
)

// reasonCancelled is recorded on jobs dropped because their report was cancelled.
const reasonCancelled = "cancelled"

// settleTimeout bounds queue and store writes made after the worker context
// is done.
const settleTimeout = 5 * time.Second

// Notifier receives lifecycle events. notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Deps are the collaborators a processor needs.
type Deps struct {
	Store        store.Store
	Insights     insights.Store
	Catalog      *stages.Catalog
	Capabilities *capabilities.Registry
	Blobs        blob.Store
	Queue        queues.Queue
	Orchestrator *orchestrator.Orchestrator
	Tracker      *status.Tracker
	Retry        *retry.Policy
	Notifier     Notifier
	Metrics      *observability.Metrics
	Logger       logging.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("workers: store is required")
	case d.Insights == nil:
		return errors.New("workers: insight store is required")
	case d.Catalog == nil:
		return errors.New("workers: stage catalog is required")
	case d.Capabilities == nil:
		return errors.New("workers: capability registry is required")
	case d.Blobs == nil:
		return errors.New("workers: blob store is required")
	case d.Queue == nil:
		return errors.New("workers: queue is required")
	case d.Orchestrator == nil || d.Tracker == nil:
		return errors.New("workers: orchestrator and tracker are required")
	}
	return nil
}

// Processor runs one stage job per queue message. It keeps no state between
// messages; every decision is made from the stores, so duplicate deliveries
// and concurrent processors are safe.
type Processor struct {
	deps         Deps
	stageTimeout time.Duration
	// lease is how long a claimed job belongs to its worker. It matches the
	// queue visibility timeout.
	lease time.Duration
	tracer       *observability.Tracer
	logger       logging.Logger
	now          func() time.Time
}

// NewProcessor creates a processor. stageTimeout applies to stages that do
// not set their own.
func NewProcessor(deps Deps, stageTimeout time.Duration) (*Processor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Retry == nil {
		deps.Retry = retry.DefaultPolicy()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNopMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	return &Processor{
		deps:         deps,
		stageTimeout: stageTimeout,
		lease:        queues.DefaultConfig().VisibilityTimeout,
		tracer:       observability.NewTracer(),
		logger:       deps.Logger.With(logging.F("component", "processor")),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

type nopNotifier struct{}

func (nopNotifier) Dispatch(context.Context, notify.Event) {}

// Lease is how long a claim on a running job holds before another worker may
// take it over.
func (p *Processor) Lease() time.Duration { return p.lease }

// Process handles one delivery and settles it on the queue. The returned
// outcome is one of the observability.Outcome* values. An error means the
// message could not be settled and will be redelivered.
func (p *Processor) Process(ctx context.Context, qm *queues.QueuedMessage) (string, error) {
	msg := qm.Job
	log := p.logger.With(
		logging.F("report_id", msg.ReportID),
		logging.F("stage", string(msg.Stage)),
		logging.F("job_id", msg.JobID))

	if qm.Deliveries == 1 {
		p.deps.Metrics.RecordQueueWait(msg.Priority.String(), p.now().Sub(qm.EnqueuedAt).Seconds())
	}

	job, err := p.deps.Store.GetJob(ctx, msg.JobID)
	if errors.Is(err, lrerrors.ErrNotFound) {
		log.Warn("Job not found, dropping message")
		return observability.OutcomeDuplicate, p.ack(ctx, qm)
	}
	if err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("load job: %w", err))
	}
	if job.State.IsTerminal() {
		log.Debug("Job already terminal, dropping duplicate delivery", logging.F("state", string(job.State)))
		if err := p.ack(ctx, qm); err != nil {
			return "", err
		}
		p.advance(ctx, job.ReportID)
		return observability.OutcomeDuplicate, nil
	}

	report, err := p.deps.Store.GetReport(ctx, job.ReportID)
	if err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("load report: %w", err))
	}
	if report.Cancelled() {
		p.markDeadLettered(ctx, job, string(lrerrors.ErrCancelled), "report cancelled")
		return observability.OutcomeDiscarded, p.ack(ctx, qm)
	}

	// A previous delivery may have stored the insight and died before
	// marking the job.
	if existing, err := p.deps.Insights.ByJob(ctx, job.ID); err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("check job insight: %w", err))
	} else if existing != nil {
		if _, err := p.deps.Store.MarkSucceeded(ctx, job.ID, p.now()); err != nil && !errors.Is(err, lrerrors.ErrInvalidState) {
			return "", p.requeue(ctx, qm, fmt.Errorf("mark succeeded: %w", err))
		}
		if err := p.ack(ctx, qm); err != nil {
			return "", err
		}
		p.completed(ctx, job)
		return observability.OutcomeDuplicate, nil
	}

	snap, err := p.deps.Tracker.Load(ctx, job.ReportID)
	if err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("load report history: %w", err))
	}
	def, ok := snap.Graph.Definition(job.Stage)
	if !ok {
		return p.deadLetter(ctx, qm, job, lrerrors.NewStageError(lrerrors.ErrInvalidInput,
			fmt.Sprintf("stage %s is not in the %s graph", job.Stage, report.Kind), lrerrors.ErrUnknownStage))
	}
	if !orchestrator.DependenciesMet(snap, job.Stage) {
		return p.deadLetter(ctx, qm, job, lrerrors.NewStageError(lrerrors.ErrDependencyUnmet,
			"a dependency has no succeeded insight", lrerrors.ErrDependenciesUnmet))
	}

	now := p.now()
	claimed, err := p.deps.Store.MarkRunning(ctx, job.ID, now, now.Add(-p.lease))
	if errors.Is(err, lrerrors.ErrInvalidState) {
		return p.claimLost(ctx, qm, log)
	}
	if err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("mark running: %w", err))
	}
	job = claimed

	spanCtx, span := p.tracer.StartStageSpan(ctx, job.ReportID, string(job.Stage), job.ID, job.Attempt)
	defer span.End()
	sh := observability.NewSpanHelper(span)

	started := time.Now()
	res, err := p.invoke(spanCtx, report, def)
	p.deps.Metrics.RecordStageDuration(string(job.Stage), time.Since(started).Seconds())

	if ctx.Err() != nil {
		// Shutting down: release the claim so the next worker need not wait
		// out the lease, and hand the message back.
		p.release(ctx, job)
		return "", p.requeue(ctx, qm, ctx.Err())
	}

	// The report may have been cancelled while the capability ran.
	current, rerr := p.deps.Store.GetReport(ctx, job.ReportID)
	if rerr != nil {
		se := lrerrors.NewStageError(lrerrors.ErrStorage, "recheck report after stage", rerr)
		sh.SetError(se, string(se.Code), true)
		log.Warn("Cannot recheck report after stage, retrying", logging.Err(rerr))
		return p.fail(ctx, qm, job, se)
	}
	if current.Cancelled() {
		p.deps.Metrics.RecordLateResult(string(job.Stage))
		sh.AddEvent("late_result_discarded")
		log.Info("Report cancelled during stage, discarding result")
		p.markDeadLettered(ctx, job, string(lrerrors.ErrCancelled), "report cancelled")
		return observability.OutcomeDiscarded, p.ack(ctx, qm)
	}

	if err == nil {
		err = p.commit(ctx, job, res)
	}
	if err != nil {
		se := lrerrors.ClassifyError(err, string(job.Stage))
		sh.SetError(se, string(se.Code), se.Class() == lrerrors.ClassTransient)
		return p.fail(ctx, qm, job, se)
	}

	if _, err := p.deps.Store.MarkSucceeded(ctx, job.ID, p.now()); err != nil && !errors.Is(err, lrerrors.ErrInvalidState) {
		// The insight is stored; the redelivery resolves through the job id check.
		return "", p.requeue(ctx, qm, fmt.Errorf("mark succeeded: %w", err))
	}
	sh.SetSuccess()
	p.deps.Metrics.RecordAttempt(string(job.Stage), observability.OutcomeSucceeded)
	log.Info("Stage succeeded", logging.F("attempt", job.Attempt))
	if err := p.ack(ctx, qm); err != nil {
		return "", err
	}
	p.completed(ctx, job)
	return observability.OutcomeSucceeded, nil
}

// claimLost settles a delivery whose job another worker holds or has
// finished. A job still running stays with its holder: the message comes back
// when the holder's lease runs out.
func (p *Processor) claimLost(ctx context.Context, qm *queues.QueuedMessage, log logging.Logger) (string, error) {
	job, err := p.deps.Store.GetJob(ctx, qm.Job.JobID)
	if err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("reload job: %w", err))
	}
	if job.State.IsTerminal() {
		if err := p.ack(ctx, qm); err != nil {
			return "", err
		}
		p.advance(ctx, job.ReportID)
		return observability.OutcomeDuplicate, nil
	}

	wait := p.lease
	if job.StartedAt != nil {
		wait = job.StartedAt.Add(p.lease).Sub(p.now())
	}
	if wait < 0 {
		wait = 0
	}
	log.Info("Job is held by another worker, deferring delivery",
		logging.F("attempt", job.Attempt),
		logging.F("wait", wait.String()))
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.deps.Queue.Nack(sctx, qm, wait); err != nil && !settled(err) {
		return "", fmt.Errorf("nack %s: %w", qm.ID, err)
	}
	return observability.OutcomeDuplicate, nil
}

// invoke builds the payload and calls the stage's capability under its timeout.
func (p *Processor) invoke(ctx context.Context, report *analysis.Report, def stages.Definition) (*capabilities.Result, error) {
	payload := capabilities.Payload{ReportID: report.ID, Kind: report.Kind}

	if def.Document {
		data, err := p.deps.Blobs.Fetch(ctx, report.DocumentRef)
		if errors.Is(err, lrerrors.ErrNotFound) || errors.Is(err, lrerrors.ErrValidation) {
			return nil, lrerrors.Permanent("document "+report.DocumentRef+" is missing", err)
		}
		if err != nil {
			return nil, err
		}
		payload.Document = data
	}

	if len(def.DependsOn) > 0 {
		current, err := p.deps.Insights.CurrentAll(ctx, report.ID)
		if err != nil {
			return nil, fmt.Errorf("load inputs: %w", err)
		}
		payload.Inputs = make(map[analysis.StageName]json.RawMessage, len(def.DependsOn))
		for _, dep := range def.DependsOn {
			ins, ok := current[dep]
			if !ok {
				return nil, lrerrors.NewStageError(lrerrors.ErrDependencyUnmet, fmt.Sprintf("no insight for %s", dep), lrerrors.ErrDependenciesUnmet)
			}
			payload.Inputs[dep] = ins.Content
		}
	}

	adapter, err := p.deps.Capabilities.Get(def.Capability)
	if err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrCapabilityUnavailable, err.Error(), err)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = p.stageTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := adapter.Invoke(callCtx, def.Name, payload)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, lrerrors.NewStageError(lrerrors.ErrTimeout, fmt.Sprintf("stage timed out after %s", timeout), err)
	}
	if err == nil && res == nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "capability returned no result", nil)
	}
	return res, err
}

// commit stores the asset, if any, and appends the insight. An insight
// already recorded for this job counts as success.
func (p *Processor) commit(ctx context.Context, job *analysis.Job, res *capabilities.Result) error {
	content := res.Content
	if res.Asset != nil {
		asset := *res.Asset
		if asset.Name == "" {
			asset.Name = string(job.Stage)
		}
		ref, err := p.deps.Blobs.Store(ctx, asset)
		if err != nil {
			return fmt.Errorf("store %s asset: %w", job.Stage, err)
		}
		if content, err = withAssetRef(content, ref); err != nil {
			return lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "attach asset ref", err)
		}
	}

	_, err := p.deps.Insights.Append(ctx, &analysis.Insight{
		ReportID:   job.ReportID,
		Stage:      job.Stage,
		JobID:      job.ID,
		Content:    content,
		Confidence: res.Confidence,
	})
	if errors.Is(err, lrerrors.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append insight: %w", err)
	}
	return nil
}

// withAssetRef adds "asset_ref" to a JSON object, or wraps other values as
// {"value": ..., "asset_ref": ...}.
func withAssetRef(content json.RawMessage, ref string) (json.RawMessage, error) {
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(content, &obj); err != nil || obj == nil {
		obj = map[string]json.RawMessage{"value": content}
	}
	obj["asset_ref"] = refJSON
	return json.Marshal(obj)
}

// fail applies the retry policy to a failed attempt.
func (p *Processor) fail(ctx context.Context, qm *queues.QueuedMessage, job *analysis.Job, se *lrerrors.StageError) (string, error) {
	d := p.deps.Retry.Decide(se, job.Attempt)
	if d.Action == retry.ActionDeadLetter {
		return p.deadLetter(ctx, qm, job, se)
	}

	retryAt := p.now().Add(d.Delay)
	if _, err := p.deps.Store.MarkRetry(ctx, job.ID, string(se.Code), se.Error(), retryAt); err != nil {
		return "", p.requeue(ctx, qm, fmt.Errorf("mark retry: %w", err))
	}
	p.deps.Metrics.RecordRetry(string(job.Stage), string(se.Code))
	p.logger.Warn("Stage failed, retry scheduled",
		logging.Err(se),
		logging.F("report_id", job.ReportID),
		logging.F("stage", string(job.Stage)),
		logging.F("attempt", job.Attempt),
		logging.F("delay", d.Delay.String()))

	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.deps.Queue.Nack(sctx, qm, d.Delay); err != nil {
		// The stale job sweep re-enqueues the job.
		p.logger.Warn("Nack failed", logging.Err(err), logging.F("job_id", job.ID))
	}
	return observability.OutcomeRetried, nil
}

// deadLetter ends a job permanently and parks its message.
func (p *Processor) deadLetter(ctx context.Context, qm *queues.QueuedMessage, job *analysis.Job, se *lrerrors.StageError) (string, error) {
	p.markDeadLettered(ctx, job, string(se.Code), se.Error())
	p.deps.Metrics.RecordDeadLetter(string(job.Stage), string(se.Class()))
	p.logger.Error("Stage dead-lettered",
		logging.Err(se),
		logging.F("report_id", job.ReportID),
		logging.F("stage", string(job.Stage)),
		logging.F("job_id", job.ID),
		logging.F("attempt", job.Attempt),
		logging.F("code", string(se.Code)))

	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.deps.Queue.MoveToDeadLetter(sctx, qm, string(se.Code)+": "+se.Message); err != nil {
		p.logger.Warn("Failed to park message", logging.Err(err), logging.F("job_id", job.ID))
	}

	p.deps.Notifier.Dispatch(ctx, notify.NewEvent(notify.EventStageDeadLettered, job.ReportID, job.Stage))
	p.advance(ctx, job.ReportID)
	return observability.OutcomeDeadLettered, nil
}

func (p *Processor) release(ctx context.Context, job *analysis.Job) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if _, err := p.deps.Store.MarkRetry(sctx, job.ID, string(lrerrors.ErrProcessingError), "worker stopped during stage", p.now()); err != nil {
		p.logger.Warn("Failed to release job", logging.Err(err), logging.F("job_id", job.ID))
	}
}

func (p *Processor) markDeadLettered(ctx context.Context, job *analysis.Job, code, msg string) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if _, err := p.deps.Store.MarkDeadLettered(sctx, job.ID, code, msg, p.now()); err != nil && !errors.Is(err, lrerrors.ErrInvalidState) {
		p.logger.Error("Failed to dead-letter job", logging.Err(err), logging.F("job_id", job.ID))
	}
}

// completed notifies and advances the report after a stage succeeded.
func (p *Processor) completed(ctx context.Context, job *analysis.Job) {
	p.deps.Notifier.Dispatch(ctx, notify.NewEvent(notify.EventStageCompleted, job.ReportID, job.Stage))
	p.advance(ctx, job.ReportID)
}

// advance enqueues newly runnable stages and refreshes the report state,
// emitting the terminal event to the caller that made the transition.
func (p *Processor) advance(ctx context.Context, reportID string) {
	if _, err := p.deps.Orchestrator.Evaluate(ctx, reportID); err != nil && !errors.Is(err, lrerrors.ErrReportTerminal) {
		p.logger.Warn("Evaluate failed", logging.Err(err), logging.F("report_id", reportID))
	}

	tr, err := p.deps.Tracker.Refresh(ctx, reportID)
	if err != nil {
		p.logger.Warn("Status refresh failed", logging.Err(err), logging.F("report_id", reportID))
		return
	}
	if !tr.Changed {
		return
	}
	p.deps.Metrics.RecordTransition(string(tr.From), string(tr.To))
	if ev, ok := notify.ForState(reportID, tr.To); ok {
		p.deps.Notifier.Dispatch(ctx, ev)
	}
}

func (p *Processor) ack(ctx context.Context, qm *queues.QueuedMessage) error {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.deps.Queue.Ack(sctx, qm); err != nil && !settled(err) {
		return fmt.Errorf("ack %s: %w", qm.ID, err)
	}
	return nil
}

// requeue returns the message for redelivery after a backoff and returns cause.
func (p *Processor) requeue(ctx context.Context, qm *queues.QueuedMessage, cause error) error {
	delay := time.Duration(0)
	if ctx.Err() == nil {
		delay = p.deps.Retry.Backoff(qm.Deliveries)
	}
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.deps.Queue.Nack(sctx, qm, delay); err != nil && !settled(err) {
		return fmt.Errorf("%w (nack failed: %v)", cause, err)
	}
	return cause
}

// settled reports whether a settle error means the delivery is no longer
// ours: the message is gone or was handed to another consumer.
func settled(err error) bool {
	return errors.Is(err, queues.ErrMessageNotFound) || errors.Is(err, queues.ErrStaleReceipt)
}

// settleContext keeps values from ctx but survives its cancellation, so a
// worker shutting down can still settle the message it holds.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
