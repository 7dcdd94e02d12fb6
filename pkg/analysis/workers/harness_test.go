package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

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
	"github.com/otherjamesbrown/lexireport/pkg/insights"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
	"github.com/otherjamesbrown/lexireport/pkg/notify"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count(t notify.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == t {
			c++
		}
	}
	return c
}

// callCounter counts adapter calls per stage.
type callCounter struct {
	mu    sync.Mutex
	calls map[analysis.StageName]int
}

func (c *callCounter) inc(stage analysis.StageName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[analysis.StageName]int)
	}
	c.calls[stage]++
	return c.calls[stage]
}

func (c *callCounter) get(stage analysis.StageName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[stage]
}

type harness struct {
	store     *store.Memory
	insights  *insights.MemoryStore
	blobs     *blob.MemoryStore
	queue     *queues.MemoryQueue
	catalog   *stages.Catalog
	registry  *capabilities.Registry
	tracker   *status.Tracker
	orch      *orchestrator.Orchestrator
	processor *Processor
	notifier  *recordingNotifier
	metrics   *observability.Metrics
	calls     *callCounter
	deps      Deps
}

// echo answers every stage with {"stage": name}.
func echo(calls *callCounter) capabilities.Adapter {
	return capabilities.Func(func(ctx context.Context, stage analysis.StageName, p capabilities.Payload) (*capabilities.Result, error) {
		calls.inc(stage)
		return capabilities.JSONResult(map[string]string{"stage": string(stage)}, capabilities.Confidence(0.9))
	})
}

// newHarness wires memory components. overrides replace the echo adapter of
// individual capabilities.
func newHarness(t *testing.T, overrides map[analysis.Capability]capabilities.Adapter) *harness {
	t.Helper()
	return newQueueHarness(t, queues.Config{Name: "test", PollInterval: 5 * time.Millisecond}, overrides)
}

// newQueueHarness is newHarness over a queue with the given settings.
func newQueueHarness(t *testing.T, qcfg queues.Config, overrides map[analysis.Capability]capabilities.Adapter) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		insights: insights.NewMemoryStore(),
		blobs:    blob.NewMemoryStore(),
		queue:    queues.NewMemoryQueue(qcfg),
		catalog:  stages.DefaultCatalog(),
		registry: capabilities.NewRegistry(),
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		calls:    &callCounter{},
	}
	for _, c := range h.catalog.Capabilities() {
		a, ok := overrides[c]
		if !ok {
			a = echo(h.calls)
		}
		h.registry.MustRegister(c, a)
	}

	logger := logging.NewNopLogger()
	h.tracker = status.NewTracker(h.store, h.insights, h.catalog, logger)
	h.orch = orchestrator.New(h.store, h.tracker, h.queue, h.metrics, logger)
	h.deps = Deps{
		Store:        h.store,
		Insights:     h.insights,
		Catalog:      h.catalog,
		Capabilities: h.registry,
		Blobs:        h.blobs,
		Queue:        h.queue,
		Orchestrator: h.orch,
		Tracker:      h.tracker,
		Retry:        &retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Notifier:     h.notifier,
		Metrics:      h.metrics,
		Logger:       logger,
	}
	p, err := NewProcessor(h.deps, time.Second)
	require.NoError(t, err)
	h.processor = p
	return h
}

// submit creates a pdf report with a stored document and evaluates it.
func (h *harness) submit(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	ref, err := h.blobs.Store(ctx, blob.Asset{Name: "q3.pdf", Data: []byte("%PDF-1.4 quarterly numbers")})
	require.NoError(t, err)
	h.createReport(t, id, ref)
}

func (h *harness) createReport(t *testing.T, id, ref string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateReport(ctx, &analysis.Report{
		ID:          id,
		OwnerID:     "owner-1",
		DocumentRef: ref,
		Kind:        analysis.KindPDF,
		State:       analysis.StateReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	_, err := h.orch.Evaluate(ctx, id)
	require.NoError(t, err)
}

// drain processes messages until the queue has nothing ready, delayed or in flight.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		qm, err := h.queue.Dequeue(ctx, 20*time.Millisecond)
		if errors.Is(err, queues.ErrQueueEmpty) {
			d, err := h.queue.Depth(ctx)
			require.NoError(t, err)
			if d.Ready+d.Delayed+d.Processing == 0 {
				return
			}
			continue
		}
		require.NoError(t, err)
		_, _ = h.processor.Process(ctx, qm)
	}
	t.Fatal("queue did not drain")
}

func (h *harness) status(t *testing.T, id string) *status.Status {
	t.Helper()
	st, err := h.tracker.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (h *harness) latestJob(t *testing.T, id string, stage analysis.StageName) *analysis.Job {
	t.Helper()
	jobs, err := h.store.ListJobs(context.Background(), id)
	require.NoError(t, err)
	j := store.LatestByStage(jobs)[stage]
	require.NotNil(t, j, "no job for %s", stage)
	return j
}
