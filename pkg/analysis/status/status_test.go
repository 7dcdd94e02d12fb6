package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

var (
	extract   = analysis.StageExtract
	summarize = analysis.StageSummarize
	classify  = analysis.StageClassify
	entities  = analysis.StageEntities
	qaIndex   = analysis.StageQAIndex
	narrate   = analysis.StageNarrate
)

func defaultGraph(t *testing.T) *stages.Graph {
	t.Helper()
	g, err := stages.DefaultCatalog().Graph(analysis.KindPDF)
	require.NoError(t, err)
	return g
}

func report() *analysis.Report {
	return &analysis.Report{ID: "r1", Kind: analysis.KindPDF, State: analysis.StateReceived}
}

func jobIn(stage analysis.StageName, state analysis.JobState) *analysis.Job {
	return &analysis.Job{ID: string(stage) + "-job", Stage: stage, State: state, Attempt: 1}
}

func done(names ...analysis.StageName) map[analysis.StageName]bool {
	m := make(map[analysis.StageName]bool)
	for _, n := range names {
		m[n] = true
	}
	return m
}

func TestDerive_Rules(t *testing.T) {
	g := defaultGraph(t)
	now := time.Now()

	tests := []struct {
		name      string
		cancelled bool
		jobs      []*analysis.Job
		succeeded map[analysis.StageName]bool
		want      analysis.ReportState
	}{
		{
			name: "no jobs yet",
			want: analysis.StateReceived,
		},
		{
			name: "extraction running",
			jobs: []*analysis.Job{jobIn(extract, analysis.JobRunning)},
			want: analysis.StateExtracting,
		},
		{
			name:      "analysis stages running",
			jobs:      []*analysis.Job{jobIn(extract, analysis.JobSucceeded), jobIn(summarize, analysis.JobPending)},
			succeeded: done(extract),
			want:      analysis.StateAnalyzing,
		},
		{
			name: "all required succeeded, best-effort still running",
			jobs: []*analysis.Job{
				jobIn(extract, analysis.JobSucceeded), jobIn(summarize, analysis.JobSucceeded),
				jobIn(classify, analysis.JobSucceeded), jobIn(entities, analysis.JobSucceeded),
				jobIn(narrate, analysis.JobRunning),
			},
			succeeded: done(extract, summarize, classify, entities),
			want:      analysis.StateReady,
		},
		{
			name: "best-effort dead-letter still ready",
			jobs: []*analysis.Job{
				jobIn(extract, analysis.JobSucceeded), jobIn(summarize, analysis.JobSucceeded),
				jobIn(classify, analysis.JobSucceeded), jobIn(entities, analysis.JobSucceeded),
				jobIn(qaIndex, analysis.JobDeadLettered),
			},
			succeeded: done(extract, summarize, classify, entities),
			want:      analysis.StateReady,
		},
		{
			name: "required dead-letter fails the report",
			jobs: []*analysis.Job{
				jobIn(extract, analysis.JobSucceeded), jobIn(summarize, analysis.JobSucceeded),
				jobIn(classify, analysis.JobDeadLettered), jobIn(entities, analysis.JobRunning),
			},
			succeeded: done(extract, summarize),
			want:      analysis.StateFailed,
		},
		{
			name:      "root dead-letter blocks required dependents",
			jobs:      []*analysis.Job{jobIn(extract, analysis.JobDeadLettered)},
			succeeded: done(),
			want:      analysis.StateFailed,
		},
		{
			name:      "cancelled wins",
			cancelled: true,
			jobs:      []*analysis.Job{jobIn(extract, analysis.JobDeadLettered)},
			want:      analysis.StateCancelled,
		},
		{
			name: "rerun of a dead-lettered required stage is in flight",
			jobs: []*analysis.Job{
				jobIn(extract, analysis.JobSucceeded),
				jobIn(classify, analysis.JobDeadLettered),
				{ID: "classify-rerun", Stage: classify, State: analysis.JobPending},
			},
			succeeded: done(extract),
			want:      analysis.StateAnalyzing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := report()
			if tt.cancelled {
				r.CancelledAt = &now
			}
			st := Derive(g, r, tt.jobs, tt.succeeded)
			assert.Equal(t, tt.want, st.State)
		})
	}
}

func TestDerive_StageViews(t *testing.T) {
	g := defaultGraph(t)
	dead := jobIn(summarize, analysis.JobDeadLettered)
	dead.Attempt = 5
	dead.ErrorCode = "timeout"
	dead.LastError = "capability timed out"

	st := Derive(g, report(), []*analysis.Job{
		jobIn(extract, analysis.JobSucceeded),
		dead,
		jobIn(classify, analysis.JobFailed),
	}, done(extract))

	phases := make(map[analysis.StageName]Phase)
	for _, s := range st.Stages {
		phases[s.Stage] = s.Phase
	}
	assert.Equal(t, PhaseSucceeded, phases[extract])
	assert.Equal(t, PhaseDeadLettered, phases[summarize])
	assert.Equal(t, PhaseRetrying, phases[classify])
	assert.Equal(t, PhaseWaiting, phases[entities])
	assert.Equal(t, PhaseWaiting, phases[qaIndex])
	assert.Equal(t, PhaseBlocked, phases[narrate])
	assert.Equal(t, []analysis.StageName{narrate}, st.Blocked)

	require.Len(t, st.FailedStages, 1)
	assert.Equal(t, FailedStage{Stage: summarize, ErrorCode: "timeout", LastError: "capability timed out", Attempts: 5}, st.FailedStages[0])
	assert.Equal(t, analysis.StateFailed, st.State)

	view, ok := st.Stage(classify)
	require.True(t, ok)
	assert.Equal(t, "classify-job", view.JobID)
}

func TestDerive_BlockedRequiredStageBehindBestEffort(t *testing.T) {
	g, err := stages.NewGraph(analysis.KindText, []stages.Definition{
		{Name: "extract", Capability: analysis.CapabilityExtraction, Required: true},
		{Name: "narrate", Capability: analysis.CapabilityNarrate, DependsOn: []analysis.StageName{"extract"}},
		{Name: "summarize", Capability: analysis.CapabilitySummarize, DependsOn: []analysis.StageName{"narrate"}, Required: true},
	})
	require.NoError(t, err)

	st := Derive(g, report(), []*analysis.Job{
		jobIn("extract", analysis.JobSucceeded),
		jobIn("narrate", analysis.JobDeadLettered),
	}, done("extract"))

	assert.Equal(t, analysis.StateFailed, st.State)
	require.Len(t, st.FailedStages, 1)
	assert.Equal(t, analysis.StageName("summarize"), st.FailedStages[0].Stage)
	assert.Equal(t, analysis.StageName("narrate"), st.FailedStages[0].BlockedBy)
}

type trackerFixture struct {
	store    *store.Memory
	insights *insights.MemoryStore
	tracker  *Tracker
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := &trackerFixture{store: store.NewMemory(), insights: insights.NewMemoryStore()}
	f.tracker = NewTracker(f.store, f.insights, stages.DefaultCatalog(), logging.NewNopLogger())
	require.NoError(t, f.store.CreateReport(context.Background(), &analysis.Report{
		ID: "r1", OwnerID: "u1", DocumentRef: "doc", Kind: analysis.KindPDF, State: analysis.StateReceived,
	}))
	return f
}

func (f *trackerFixture) succeed(t *testing.T, stage analysis.StageName) {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("%s-%d", stage, time.Now().UnixNano())
	created, err := f.store.CreateJob(ctx, &analysis.Job{ID: id, ReportID: "r1", Stage: stage})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.store.MarkRunning(ctx, id, time.Now(), time.Time{})
	require.NoError(t, err)
	_, err = f.insights.Append(ctx, &analysis.Insight{ReportID: "r1", Stage: stage, JobID: id, Content: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = f.store.MarkSucceeded(ctx, id, time.Now())
	require.NoError(t, err)
}

func TestTracker_RefreshPersistsTransitions(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	tr, err := f.tracker.Refresh(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Equal(t, analysis.StateReceived, tr.To)

	f.succeed(t, extract)
	tr, err = f.tracker.Refresh(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, analysis.StateReceived, tr.From)
	assert.Equal(t, analysis.StateAnalyzing, tr.To)

	for _, s := range []analysis.StageName{summarize, classify, entities} {
		f.succeed(t, s)
	}
	tr, err = f.tracker.Refresh(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, analysis.StateReady, tr.To)

	r, err := f.store.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, analysis.StateReady, r.State)
}

func TestTracker_ConcurrentRefreshEmitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	for _, s := range []analysis.StageName{extract, summarize, classify, entities} {
		f.succeed(t, s)
	}

	var (
		wg      sync.WaitGroup
		changed int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := f.tracker.Refresh(ctx, "r1")
			assert.NoError(t, err)
			if tr != nil && tr.Changed && tr.To == analysis.StateReady {
				atomic.AddInt32(&changed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), changed)
}

func TestTracker_UnknownReport(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.tracker.Status(context.Background(), "nope")
	assert.Error(t, err)
}
