// Package pipeline is the control surface of the analysis pipeline: it
// submits reports, reports their status and insights, and cancels or reruns
// their stages. The HTTP API and the CLI are thin layers over it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/orchestrator"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
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

// DefaultMaxUploadBytes caps the size of an uploaded document.
const DefaultMaxUploadBytes = 50 << 20

// DefaultAskTimeout bounds a synchronous Q&A call.
const DefaultAskTimeout = 30 * time.Second

// Notifier receives lifecycle events.
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store        store.Store
	Insights     insights.Store
	Catalog      *stages.Catalog
	Capabilities *capabilities.Registry
	Blobs        blob.Store
	Orchestrator *orchestrator.Orchestrator
	Tracker      *status.Tracker
	Queue        queues.Queue
	Notifier     Notifier
	Metrics      *observability.Metrics
	Logger       logging.Logger

	MaxUploadBytes int64
	AskTimeout     time.Duration
}

// SubmitRequest describes a new report. ReportID is generated when empty.
type SubmitRequest struct {
	ReportID    string                `json:"report_id,omitempty"`
	OwnerID     string                `json:"owner_id"`
	DocumentRef string                `json:"document_ref"`
	Kind        analysis.DocumentKind `json:"kind"`
}

// Answer is the result of an ad-hoc question about a report.
type Answer struct {
	ReportID   string          `json:"report_id"`
	Question   string          `json:"question"`
	Content    json.RawMessage `json:"content"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// Service implements the pipeline operations.
type Service struct {
	deps   Deps
	logger logging.Logger
	now    func() time.Time
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Insights == nil:
		return nil, errors.New("pipeline: insight store is required")
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: stage catalog is required")
	case deps.Blobs == nil:
		return nil, errors.New("pipeline: blob store is required")
	case deps.Orchestrator == nil || deps.Tracker == nil:
		return nil, errors.New("pipeline: orchestrator and tracker are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNopMetrics()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if deps.AskTimeout <= 0 {
		deps.AskTimeout = DefaultAskTimeout
	}
	return &Service{
		deps:   deps,
		logger: deps.Logger.With(logging.F("component", "pipeline")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit creates a report and enqueues its first stages.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*analysis.Report, error) {
	if strings.TrimSpace(req.DocumentRef) == "" {
		return nil, fmt.Errorf("%w: document_ref is required", lrerrors.ErrValidation)
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", lrerrors.ErrValidation)
	}
	if _, err := s.deps.Catalog.Graph(req.Kind); err != nil {
		return nil, err
	}
	if req.ReportID == "" {
		req.ReportID = uuid.NewString()
	}

	now := s.now()
	r := &analysis.Report{
		ID:          req.ReportID,
		OwnerID:     req.OwnerID,
		DocumentRef: req.DocumentRef,
		Kind:        req.Kind,
		State:       analysis.StateReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}

	// The report exists from here on. After an Evaluate failure it stays in
	// received until a Rerun of its first stage.
	enqueued, err := s.deps.Orchestrator.Evaluate(ctx, r.ID)
	if err != nil {
		s.logger.Warn("Initial evaluation failed", logging.Err(err), logging.F("report_id", r.ID))
	}
	s.logger.Info("Report submitted",
		logging.F("report_id", r.ID),
		logging.F("kind", string(r.Kind)),
		logging.F("enqueued", len(enqueued)))
	return r, nil
}

// Upload stores a document and returns its ref for Submit.
func (s *Service) Upload(ctx context.Context, name string, body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, s.deps.MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: document is empty", lrerrors.ErrValidation)
	}
	if int64(len(data)) > s.deps.MaxUploadBytes {
		return "", fmt.Errorf("%w: document exceeds %d bytes", lrerrors.ErrValidation, s.deps.MaxUploadBytes)
	}
	ref, err := s.deps.Blobs.Store(ctx, blob.Asset{
		Name:        name,
		ContentType: http.DetectContentType(data),
		Data:        data,
	})
	if err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return ref, nil
}

// Report returns the stored report row.
func (s *Service) Report(ctx context.Context, id string) (*analysis.Report, error) {
	return s.deps.Store.GetReport(ctx, id)
}

// Status returns the derived status of a report.
func (s *Service) Status(ctx context.Context, id string) (*status.Status, error) {
	return s.deps.Tracker.Status(ctx, id)
}

// Insights returns the current insight of every stage that has one.
func (s *Service) Insights(ctx context.Context, id string) (map[analysis.StageName]*analysis.Insight, error) {
	if _, err := s.deps.Store.GetReport(ctx, id); err != nil {
		return nil, err
	}
	return s.deps.Insights.CurrentAll(ctx, id)
}

// ListInsights returns the insights of a report matching filter.
func (s *Service) ListInsights(ctx context.Context, id string, filter insights.Filter) ([]*analysis.Insight, error) {
	if _, err := s.deps.Store.GetReport(ctx, id); err != nil {
		return nil, err
	}
	if filter.Stage != "" {
		if err := s.knownStage(ctx, id, filter.Stage); err != nil {
			return nil, err
		}
	}
	return s.deps.Insights.List(ctx, id, filter)
}

// History returns every insight version of one stage, oldest first.
func (s *Service) History(ctx context.Context, id string, stage analysis.StageName) ([]*analysis.Insight, error) {
	if err := s.knownStage(ctx, id, stage); err != nil {
		return nil, err
	}
	return s.deps.Insights.History(ctx, id, stage)
}

// Cancel marks the report cancelled, dead-letters its outstanding jobs and
// removes their queue entries. Messages already in flight stay with their
// worker, which drops the result of a cancelled report. A second Cancel is a
// no-op.
func (s *Service) Cancel(ctx context.Context, id string) (*status.Status, error) {
	now := s.now()
	first, err := s.deps.Store.CancelReport(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("cancel report: %w", err)
	}
	if !first {
		return s.deps.Tracker.Status(ctx, id)
	}

	jobs, err := s.deps.Store.ListJobs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	dropped := 0
	for _, j := range jobs {
		if j.State.IsTerminal() {
			continue
		}
		// A worker may settle the job concurrently; either outcome is final.
		_, err := s.deps.Store.MarkDeadLettered(ctx, j.ID, string(lrerrors.ErrCancelled), "report cancelled", now)
		switch {
		case err == nil:
			dropped++
		case errors.Is(err, lrerrors.ErrInvalidState):
		default:
			return nil, fmt.Errorf("dead-letter job %s: %w", j.ID, err)
		}
		s.dequeue(ctx, j.ID)
	}

	tr, err := s.deps.Tracker.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if tr.Changed {
		s.deps.Metrics.RecordTransition(string(tr.From), string(tr.To))
	}
	s.notify(ctx, notify.NewEvent(notify.EventReportCancelled, id, ""))
	s.logger.Info("Report cancelled", logging.F("report_id", id), logging.F("jobs_dropped", dropped))
	return tr.Status, nil
}

// Rerun creates a fresh interactive-priority job for one stage. The stage
// must be in the report's graph with its dependencies satisfied and no
// active job. Dependents are not rerun.
func (s *Service) Rerun(ctx context.Context, id string, stage analysis.StageName) (*status.Status, error) {
	snap, err := s.deps.Tracker.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Report.Cancelled() {
		return nil, fmt.Errorf("report %s is cancelled: %w", id, lrerrors.ErrReportTerminal)
	}
	if _, ok := snap.Graph.Definition(stage); !ok {
		return nil, fmt.Errorf("%w: %s is not in the %s graph", lrerrors.ErrUnknownStage, stage, snap.Report.Kind)
	}
	if j := snap.Latest[stage]; j != nil && !j.State.IsTerminal() {
		return nil, fmt.Errorf("%s job %s is %s: %w", stage, j.ID, j.State, lrerrors.ErrJobActive)
	}
	if !orchestrator.DependenciesMet(snap, stage) {
		return nil, fmt.Errorf("%s: %w", stage, lrerrors.ErrDependenciesUnmet)
	}

	created, err := s.deps.Orchestrator.Schedule(ctx, id, stage, analysis.PriorityInteractive)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%s: %w", stage, lrerrors.ErrJobActive)
	}
	s.logger.Info("Stage rerun scheduled", logging.F("report_id", id), logging.F("stage", string(stage)))

	tr, err := s.deps.Tracker.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if tr.Changed {
		s.deps.Metrics.RecordTransition(string(tr.From), string(tr.To))
	}
	return tr.Status, nil
}

// Ask answers a question about a report with the qa capability, using the
// current Q&A index.
func (s *Service) Ask(ctx context.Context, id, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", lrerrors.ErrValidation)
	}
	r, err := s.deps.Store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Cancelled() {
		return nil, fmt.Errorf("report %s is cancelled: %w", id, lrerrors.ErrReportTerminal)
	}
	index, err := s.deps.Insights.Current(ctx, id, analysis.StageQAIndex)
	if err != nil {
		return nil, fmt.Errorf("load qa index: %w", err)
	}
	if index == nil {
		return nil, fmt.Errorf("%s has no insight yet: %w", analysis.StageQAIndex, lrerrors.ErrDependenciesUnmet)
	}
	if s.deps.Capabilities == nil {
		return nil, lrerrors.Transient("no capability registry configured", nil)
	}
	adapter, err := s.deps.Capabilities.Get(analysis.CapabilityQA)
	if err != nil {
		return nil, lrerrors.Transient("qa capability unavailable", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.deps.AskTimeout)
	defer cancel()
	res, err := adapter.Invoke(callCtx, analysis.StageQAIndex, capabilities.Payload{
		ReportID: id,
		Kind:     r.Kind,
		Inputs:   map[analysis.StageName]json.RawMessage{analysis.StageQAIndex: index.Content},
		Question: question,
	})
	if err != nil {
		return nil, lrerrors.ClassifyError(err, string(analysis.StageQAIndex))
	}
	if res == nil || len(res.Content) == 0 {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "qa capability returned no content", nil)
	}
	return &Answer{ReportID: id, Question: question, Content: res.Content, Confidence: res.Confidence}, nil
}

// Stages returns the stage graph for a document kind.
func (s *Service) Stages(kind analysis.DocumentKind) ([]stages.Definition, error) {
	g, err := s.deps.Catalog.Graph(kind)
	if err != nil {
		return nil, err
	}
	return g.Definitions(), nil
}

func (s *Service) knownStage(ctx context.Context, id string, stage analysis.StageName) error {
	r, err := s.deps.Store.GetReport(ctx, id)
	if err != nil {
		return err
	}
	g, err := s.deps.Catalog.Graph(r.Kind)
	if err != nil {
		return err
	}
	if _, ok := g.Definition(stage); !ok {
		return fmt.Errorf("%w: %s is not in the %s graph", lrerrors.ErrUnknownStage, stage, r.Kind)
	}
	return nil
}

// dequeue removes a job's queue entry. Failures are logged; the worker drops
// a leftover message when it finds the job dead-lettered.
func (s *Service) dequeue(ctx context.Context, jobID string) {
	if s.deps.Queue == nil {
		return
	}
	if _, err := s.deps.Queue.Remove(ctx, jobID); err != nil {
		s.logger.Warn("Failed to remove queue entry", logging.F("job_id", jobID), logging.Err(err))
	}
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.Dispatch(ctx, ev)
	}
}
