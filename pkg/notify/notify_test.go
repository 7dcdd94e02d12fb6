package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/observability"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// recorder collects events and fails the first failures calls.
type recorder struct {
	name     string
	failures int32

	mu     sync.Mutex
	calls  int32
	events []Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return errors.New("subscriber down")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func fastConfig(attempts int) Config {
	return Config{
		Retry:    &retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		PollWait: 10 * time.Millisecond,
	}
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, d.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventStageCompleted, "r1", analysis.StageSummarize)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "r1", ev.ReportID)
	assert.Equal(t, analysis.StageSummarize, ev.Stage)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotEqual(t, ev.ID, NewEvent(EventStageCompleted, "r1", analysis.StageSummarize).ID)

	data, err := json.Marshal(NewEvent(EventReportReady, "r1", ""))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"stage"`)
}

func TestForState(t *testing.T) {
	tests := []struct {
		state analysis.ReportState
		want  EventType
		ok    bool
	}{
		{analysis.StateReady, EventReportReady, true},
		{analysis.StateFailed, EventReportFailed, true},
		{analysis.StateCancelled, EventReportCancelled, true},
		{analysis.StateAnalyzing, "", false},
	}
	for _, tt := range tests {
		ev, ok := ForState("r1", tt.state)
		assert.Equal(t, tt.ok, ok, tt.state)
		assert.Equal(t, tt.want, ev.Type, tt.state)
	}
}

func TestMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOutbox(2)

	require.NoError(t, o.Append(ctx, NewEvent(EventReportReady, "r1", "")))
	require.NoError(t, o.Append(ctx, NewEvent(EventReportReady, "r2", "")))
	assert.ErrorIs(t, o.Append(ctx, NewEvent(EventReportReady, "r3", "")), ErrOutboxFull)
	assert.Equal(t, 2, o.Len())

	batch, err := o.Read(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "r1", batch[0].Event.ReportID)
	assert.NotEqual(t, batch[0].ID, batch[1].ID)

	empty, err := o.Read(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.Append(ctx, NewEvent(EventReportReady, "r4", "")), ErrOutboxClosed)
	_, err = o.Read(ctx, time.Second)
	assert.ErrorIs(t, err, ErrOutboxClosed)
}

func TestDispatcher_FansOutWithIndependentRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	outbox := NewMemoryOutbox(16)

	healthy := &recorder{name: "healthy"}
	flaky := &recorder{name: "flaky", failures: 2}
	broken := &recorder{name: "broken", failures: 1000}

	d := NewDispatcher(outbox, []Subscriber{healthy, flaky, broken}, fastConfig(3), metrics, logging.NewNopLogger())
	ev := NewEvent(EventStageCompleted, "r1", analysis.StageClassify)
	d.Dispatch(context.Background(), ev)
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.NotificationDeliveriesTotal.WithLabelValues("broken", StatusFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, healthy.received(), 1)
	assert.Equal(t, ev.ID, healthy.received()[0].ID)
	require.Len(t, flaky.received(), 1)
	assert.Empty(t, broken.received())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationDeliveriesTotal.WithLabelValues("healthy", StatusDelivered)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.NotificationDeliveriesTotal.WithLabelValues("flaky", StatusRetried)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationDeliveriesTotal.WithLabelValues("flaky", StatusDelivered)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.NotificationDeliveriesTotal.WithLabelValues("broken", StatusRetried)))
}

func TestDispatcher_DispatchNeverFails(t *testing.T) {
	outbox := NewMemoryOutbox(1)
	require.NoError(t, outbox.Close())

	d := NewDispatcher(outbox, nil, fastConfig(1), observability.NewNopMetrics(), logging.NewNopLogger())
	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), NewEvent(EventReportFailed, "r1", ""))
	})
}

func TestDispatcher_RunStopsOnClosedOutbox(t *testing.T) {
	outbox := NewMemoryOutbox(1)
	require.NoError(t, outbox.Close())
	d := NewDispatcher(outbox, nil, fastConfig(1), observability.NewNopMetrics(), logging.NewNopLogger())
	assert.NoError(t, d.Run(context.Background()))
}

func TestWebhookSubscriber(t *testing.T) {
	var (
		hits    int32
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gotHdr = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub, err := NewWebhookSubscriber(WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", sub.Name())

	ev := NewEvent(EventReportReady, "r1", "")
	assert.Error(t, sub.Notify(context.Background(), ev), "5xx is a failed delivery")
	require.NoError(t, sub.Notify(context.Background(), ev))

	assert.Equal(t, ev.ID, gotHdr.Get("X-Event-ID"))
	assert.Equal(t, "report.ready", gotHdr.Get("X-Event-Type"))
	assert.Equal(t, "sha256="+Sign([]byte("s3cret"), gotBody), gotHdr.Get("X-Signature"))

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "r1", decoded.ReportID)

	_, err = NewWebhookSubscriber(WebhookConfig{})
	assert.Error(t, err)
}

func TestDispatcher_WebhookEndToEnd(t *testing.T) {
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Event-ID")
	}))
	defer srv.Close()

	sub, err := NewWebhookSubscriber(WebhookConfig{Name: "ops", URL: srv.URL})
	require.NoError(t, err)

	d := NewDispatcher(NewMemoryOutbox(8), []Subscriber{sub, NewLogSubscriber(logging.NewNopLogger())},
		fastConfig(2), observability.NewNopMetrics(), logging.NewNopLogger())
	ev := NewEvent(EventReportCancelled, "r9", "")
	d.Dispatch(context.Background(), ev)
	runDispatcher(t, d)

	select {
	case id := <-received:
		assert.Equal(t, ev.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}
