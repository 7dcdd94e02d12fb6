package observability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordEnqueued("summarize", "batch")
	m.RecordEnqueued("summarize", "batch")
	m.RecordRetry("narrate", "timeout")
	m.RecordDeadLetter("classify", "permanent")
	m.RecordLateResult("classify")
	m.RecordAttempt("extract", OutcomeSucceeded)
	m.RecordTransition("analyzing", "ready")
	m.RecordNotification("webhook", "delivered")

	if got := testutil.ToFloat64(m.JobsEnqueuedTotal.WithLabelValues("summarize", "batch")); got != 2 {
		t.Errorf("jobs enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("narrate", "timeout")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StageAttemptsTotal.WithLabelValues("narrate", OutcomeRetried)); got != 1 {
		t.Errorf("retried attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeadLettersTotal.WithLabelValues("classify", "permanent")); got != 1 {
		t.Errorf("dead letters = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LateResultsDiscarded.WithLabelValues("classify")); got != 1 {
		t.Errorf("late results = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReportTransitionsTotal.WithLabelValues("analyzing", "ready")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotificationDeliveriesTotal.WithLabelValues("webhook", "delivered")); got != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
}

func TestMetrics_QueueDepth(t *testing.T) {
	m := NewNopMetrics()
	m.RecordQueueDepth("analysis:jobs", 3, 2, 1, 4)

	expected := `
# HELP lexireport_queue_depth Messages in the job queue by bucket
# TYPE lexireport_queue_depth gauge
lexireport_queue_depth{bucket="dead_letter",queue="analysis:jobs"} 4
lexireport_queue_depth{bucket="delayed",queue="analysis:jobs"} 2
lexireport_queue_depth{bucket="processing",queue="analysis:jobs"} 1
lexireport_queue_depth{bucket="ready",queue="analysis:jobs"} 3
`
	if err := testutil.CollectAndCompare(m.QueueDepth, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestMetrics_Histograms(t *testing.T) {
	m := NewNopMetrics()
	m.RecordStageDuration("extract", 1.5)
	m.RecordQueueWait("interactive", 0.2)

	if n := testutil.CollectAndCount(m.StageDurationSeconds); n != 1 {
		t.Errorf("stage duration series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(m.QueueWaitSeconds); n != 1 {
		t.Errorf("queue wait series = %d, want 1", n)
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}

func TestTracer_SpansWithNoopProvider(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.StartStageSpan(context.Background(), "r1", "summarize", "j1", 2)
	defer span.End()

	h := NewSpanHelper(span)
	h.SetError(errors.New("boom"), "timeout", true)
	h.SetSuccess()
	h.SetEnqueued([]string{"classify"})
	h.AddEvent("late_result")

	// The global provider is a no-op unless one is installed.
	if id := TraceID(ctx); id != "" {
		t.Errorf("expected empty trace id with no-op provider, got %q", id)
	}

	_, evalSpan := tr.StartEvaluateSpan(ctx, "r1")
	evalSpan.End()
	_, refreshSpan := tr.StartRefreshSpan(ctx, "r1")
	refreshSpan.End()
}
