package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

func TestPool_ProcessesReportsConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	pool, err := NewPool(Config{Count: 3, PollInterval: 10 * time.Millisecond, DepthInterval: 10 * time.Millisecond}, h.deps)
	require.NoError(t, err)

	for _, id := range []string{"r1", "r2", "r3"} {
		h.submit(t, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range []string{"r1", "r2", "r3"} {
			st, err := h.tracker.Status(context.Background(), id)
			if err != nil || st.State != analysis.StateReady {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	stats := pool.Stats()
	assert.Equal(t, 3, stats.WorkerCount)
	assert.Zero(t, stats.ActiveCount)
	assert.Equal(t, int64(18), stats.Processed+stats.Failed, "six stages for each of three reports")
	for _, id := range []string{"r1", "r2", "r3"} {
		assert.Equal(t, 6, len(h.status(t, id).Stages))
	}
}

func TestPool_LeaseFromConfig(t *testing.T) {
	h := newHarness(t, nil)
	pool, err := NewPool(Config{Lease: 3 * time.Minute}, h.deps)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, pool.Processor().lease)

	pool, err = NewPool(Config{}, h.deps)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, pool.Processor().lease)
}

func TestPool_RecoverStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	pool, err := NewPool(Config{Count: 1, RecoveryGrace: time.Minute}, h.deps)
	require.NoError(t, err)

	h.submit(t, "r1")

	pool.cfg.RecoveryGrace = time.Nanosecond
	time.Sleep(time.Millisecond)
	n, err := pool.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a job with a queued message is not duplicated")
	assert.Len(t, h.queue.Pending(), 1)

	// Lose the queue message of the extract job.
	pool.cfg.RecoveryGrace = time.Minute
	qm, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, h.queue.Ack(ctx, qm))

	n, err = pool.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "jobs inside the grace period are left alone")

	pool.cfg.RecoveryGrace = time.Nanosecond
	time.Sleep(time.Millisecond)
	n, err = pool.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), pool.Stats().Recovered)

	n, err = pool.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds the message queued")

	h.drain(t)
	assert.Equal(t, analysis.StateReady, h.status(t, "r1").State)
}
