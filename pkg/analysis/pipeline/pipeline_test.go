package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/orchestrator"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/workers"
	"github.com/otherjamesbrown/lexireport/pkg/blob"
	"github.com/otherjamesbrown/lexireport/pkg/capabilities"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
	"github.com/otherjamesbrown/lexireport/pkg/notify"
)

type events struct {
	mu  sync.Mutex
	got []notify.Event
}

func (e *events) Dispatch(_ context.Context, ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) count(t notify.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.got {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc       *Service
	store     *store.Memory
	insights  *insights.MemoryStore
	queue     *queues.MemoryQueue
	processor *workers.Processor
	events    *events
	registry  *capabilities.Registry
}

func newFixture(t *testing.T, overrides map[analysis.Capability]capabilities.Adapter) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		insights: insights.NewMemoryStore(),
		queue:    queues.NewMemoryQueue(queues.Config{Name: "test", PollInterval: 5 * time.Millisecond}),
		events:   &events{},
		registry: capabilities.NewRegistry(),
	}
	t.Cleanup(func() { _ = f.queue.Close() })

	catalog := stages.DefaultCatalog()
	for _, c := range append(catalog.Capabilities(), analysis.CapabilityQA) {
		if a, ok := overrides[c]; ok {
			f.registry.MustRegister(c, a)
			continue
		}
		f.registry.MustRegister(c, capabilities.Func(func(ctx context.Context, stage analysis.StageName, p capabilities.Payload) (*capabilities.Result, error) {
			return capabilities.JSONResult(map[string]string{"stage": string(stage)}, capabilities.Confidence(0.8))
		}))
	}

	logger := logging.NewNopLogger()
	blobs := blob.NewMemoryStore()
	tracker := status.NewTracker(f.store, f.insights, catalog, logger)
	orch := orchestrator.New(f.store, tracker, f.queue, nil, logger)

	var err error
	f.processor, err = workers.NewProcessor(workers.Deps{
		Store:        f.store,
		Insights:     f.insights,
		Catalog:      catalog,
		Capabilities: f.registry,
		Blobs:        blobs,
		Queue:        f.queue,
		Orchestrator: orch,
		Tracker:      tracker,
		Retry:        &retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Notifier:     f.events,
		Logger:       logger,
	}, time.Second)
	require.NoError(t, err)

	f.svc, err = New(Deps{
		Store:          f.store,
		Insights:       f.insights,
		Catalog:        catalog,
		Capabilities:   f.registry,
		Blobs:          blobs,
		Orchestrator:   orch,
		Tracker:        tracker,
		Queue:          f.queue,
		Notifier:       f.events,
		Logger:         logger,
		MaxUploadBytes: 64,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T, id string) *analysis.Report {
	t.Helper()
	ctx := context.Background()
	ref, err := f.svc.Upload(ctx, "report.pdf", strings.NewReader("%PDF-1.4 numbers"))
	require.NoError(t, err)
	r, err := f.svc.Submit(ctx, SubmitRequest{ReportID: id, OwnerID: "owner-1", DocumentRef: ref, Kind: analysis.KindPDF})
	require.NoError(t, err)
	return r
}

// drain runs queued jobs until nothing is ready, delayed or in flight.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		qm, err := f.queue.Dequeue(ctx, 20*time.Millisecond)
		if errors.Is(err, queues.ErrQueueEmpty) {
			d, err := f.queue.Depth(ctx)
			require.NoError(t, err)
			if d.Ready+d.Delayed+d.Processing == 0 {
				return
			}
			continue
		}
		require.NoError(t, err)
		_, _ = f.processor.Process(ctx, qm)
	}
	t.Fatal("queue did not drain")
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	r := f.submit(t, "")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, analysis.StateReceived, r.State)

	st, err := f.svc.Status(ctx, r.ID)
	require.NoError(t, err)
	extract, ok := st.Stage(analysis.StageExtract)
	require.True(t, ok)
	assert.Equal(t, status.PhasePending, extract.Phase)

	d, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Ready, "only the extract stage is runnable")
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing document", SubmitRequest{OwnerID: "o", Kind: analysis.KindPDF}, lrerrors.ErrValidation},
		{"missing owner", SubmitRequest{DocumentRef: "docs/a", Kind: analysis.KindPDF}, lrerrors.ErrValidation},
		{"unknown kind", SubmitRequest{OwnerID: "o", DocumentRef: "docs/a", Kind: "keynote"}, lrerrors.ErrUnsupportedKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	f.submit(t, "dup")
	_, err := f.svc.Submit(ctx, SubmitRequest{ReportID: "dup", OwnerID: "o", DocumentRef: "docs/a", Kind: analysis.KindPDF})
	assert.ErrorIs(t, err, lrerrors.ErrConflict)
}

func TestUpload_Limits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.Upload(ctx, "empty.txt", strings.NewReader(""))
	assert.ErrorIs(t, err, lrerrors.ErrValidation)

	_, err = f.svc.Upload(ctx, "big.txt", strings.NewReader(strings.Repeat("x", 65)))
	assert.ErrorIs(t, err, lrerrors.ErrValidation)

	ref, err := f.svc.Upload(ctx, "ok.txt", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestInsightsAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "r1")
	f.drain(t)

	all, err := f.svc.Insights(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	history, err := f.svc.History(ctx, "r1", analysis.StageSummarize)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = f.svc.History(ctx, "r1", "translate")
	assert.ErrorIs(t, err, lrerrors.ErrUnknownStage)

	_, err = f.svc.Insights(ctx, "missing")
	assert.ErrorIs(t, err, lrerrors.ErrNotFound)

	listed, err := f.svc.ListInsights(ctx, "r1", insights.Filter{Stage: analysis.StageClassify})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, analysis.StageClassify, listed[0].Stage)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "r1")

	st, err := f.svc.Cancel(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, analysis.StateCancelled, st.State)

	jobs, err := f.store.ListJobs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, analysis.JobDeadLettered, jobs[0].State)
	assert.Equal(t, string(lrerrors.ErrCancelled), jobs[0].ErrorCode)

	d, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, d.Ready+d.Delayed+d.Processing, "cancel removes queued messages")

	f.drain(t)
	current, err := f.insights.CurrentAll(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, current)

	_, err = f.svc.Cancel(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.events.count(notify.EventReportCancelled), "cancel is idempotent")

	_, err = f.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, lrerrors.ErrNotFound)
}

func TestRerun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "r1")

	_, err := f.svc.Rerun(ctx, "r1", analysis.StageExtract)
	assert.ErrorIs(t, err, lrerrors.ErrJobActive, "extract is still pending")

	_, err = f.svc.Rerun(ctx, "r1", analysis.StageNarrate)
	assert.ErrorIs(t, err, lrerrors.ErrDependenciesUnmet)

	_, err = f.svc.Rerun(ctx, "r1", "translate")
	assert.ErrorIs(t, err, lrerrors.ErrUnknownStage)

	f.drain(t)

	st, err := f.svc.Rerun(ctx, "r1", analysis.StageSummarize)
	require.NoError(t, err)
	summarize, ok := st.Stage(analysis.StageSummarize)
	require.True(t, ok)
	assert.Equal(t, status.PhasePending, summarize.Phase)

	jobs, err := f.store.ListJobs(ctx, "r1")
	require.NoError(t, err)
	latest := store.LatestByStage(jobs)[analysis.StageSummarize]
	assert.Equal(t, analysis.PriorityInteractive, latest.Priority)
	assert.Zero(t, latest.Attempt)

	f.drain(t)
	history, err := f.svc.History(ctx, "r1", analysis.StageSummarize)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	narrate, err := f.svc.History(ctx, "r1", analysis.StageNarrate)
	require.NoError(t, err)
	assert.Len(t, narrate, 1, "dependents are not rerun")

	_, err = f.svc.Cancel(ctx, "r1")
	require.NoError(t, err)
	_, err = f.svc.Rerun(ctx, "r1", analysis.StageSummarize)
	assert.ErrorIs(t, err, lrerrors.ErrReportTerminal)
}

func TestRerun_RecoversFailedReport(t *testing.T) {
	ctx := context.Background()
	var broken = true
	var mu sync.Mutex
	f := newFixture(t, map[analysis.Capability]capabilities.Adapter{
		analysis.CapabilityClassify: capabilities.Func(func(ctx context.Context, stage analysis.StageName, p capabilities.Payload) (*capabilities.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			if broken {
				return nil, lrerrors.Permanent("bad input", nil)
			}
			return capabilities.JSONResult(map[string]string{"category": "finance"}, nil)
		}),
	})
	f.submit(t, "r1")
	f.drain(t)

	st, err := f.svc.Status(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, analysis.StateFailed, st.State)

	mu.Lock()
	broken = false
	mu.Unlock()

	_, err = f.svc.Rerun(ctx, "r1", analysis.StageClassify)
	require.NoError(t, err)
	f.drain(t)

	st, err = f.svc.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, analysis.StateReady, st.State)
	assert.Empty(t, st.FailedStages)
}

func TestAsk(t *testing.T) {
	ctx := context.Background()
	var got capabilities.Payload
	f := newFixture(t, map[analysis.Capability]capabilities.Adapter{
		analysis.CapabilityQA: capabilities.Func(func(ctx context.Context, stage analysis.StageName, p capabilities.Payload) (*capabilities.Result, error) {
			got = p
			return capabilities.JSONResult(map[string]string{"answer": "up 12%"}, capabilities.Confidence(0.7))
		}),
	})
	f.submit(t, "r1")

	_, err := f.svc.Ask(ctx, "r1", "how did revenue move?")
	assert.ErrorIs(t, err, lrerrors.ErrDependenciesUnmet, "no qa index yet")

	f.drain(t)

	_, err = f.svc.Ask(ctx, "r1", "  ")
	assert.ErrorIs(t, err, lrerrors.ErrValidation)

	ans, err := f.svc.Ask(ctx, "r1", "how did revenue move?")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"up 12%"}`, string(ans.Content))
	require.NotNil(t, ans.Confidence)
	assert.InDelta(t, 0.7, *ans.Confidence, 1e-9)

	assert.Equal(t, "how did revenue move?", got.Question)
	assert.JSONEq(t, `{"stage":"qa_index"}`, string(got.Inputs[analysis.StageQAIndex]))
}

func TestAsk_CapabilityErrorIsClassified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[analysis.Capability]capabilities.Adapter{
		analysis.CapabilityQA: capabilities.Func(func(ctx context.Context, stage analysis.StageName, p capabilities.Payload) (*capabilities.Result, error) {
			return nil, context.DeadlineExceeded
		}),
	})
	f.submit(t, "r1")
	f.drain(t)

	_, err := f.svc.Ask(ctx, "r1", "anything?")
	require.Error(t, err)
	assert.Equal(t, lrerrors.ErrTimeout, lrerrors.CodeOf(err))
}

func TestStages(t *testing.T) {
	f := newFixture(t, nil)
	defs, err := f.svc.Stages(analysis.KindPDF)
	require.NoError(t, err)
	require.Len(t, defs, 6)
	assert.Equal(t, analysis.StageExtract, defs[0].Name)

	_, err = f.svc.Stages("keynote")
	assert.ErrorIs(t, err, lrerrors.ErrUnsupportedKind)
}
