package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// Memory is an in-process Store used for tests and the --memory dev mode.
type Memory struct {
	mu      sync.RWMutex
	reports map[string]*analysis.Report
	jobs    map[string]*analysis.Job
	byRep   map[string][]string
	seq     map[string]int64
	next    int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		reports: make(map[string]*analysis.Report),
		jobs:    make(map[string]*analysis.Job),
		byRep:   make(map[string][]string),
		seq:     make(map[string]int64),
	}
}

func (m *Memory) CreateReport(_ context.Context, r *analysis.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reports[r.ID]; exists {
		return fmt.Errorf("report %s: %w", r.ID, lrerrors.ErrConflict)
	}
	m.reports[r.ID] = cloneReport(r)
	return nil
}

func (m *Memory) GetReport(_ context.Context, id string) (*analysis.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, lrerrors.ErrNotFound)
	}
	return cloneReport(r), nil
}

func (m *Memory) CompareAndSetState(_ context.Context, id string, from, to analysis.ReportState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return false, fmt.Errorf("report %s: %w", id, lrerrors.ErrNotFound)
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) CancelReport(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return false, fmt.Errorf("report %s: %w", id, lrerrors.ErrNotFound)
	}
	if r.CancelledAt != nil {
		return false, nil
	}
	t := at
	r.CancelledAt = &t
	r.UpdatedAt = at
	return true, nil
}

func (m *Memory) CreateJob(_ context.Context, j *analysis.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reports[j.ReportID]; !ok {
		return false, fmt.Errorf("report %s: %w", j.ReportID, lrerrors.ErrNotFound)
	}
	if _, exists := m.jobs[j.ID]; exists {
		return false, fmt.Errorf("job %s: %w", j.ID, lrerrors.ErrConflict)
	}
	for _, id := range m.byRep[j.ReportID] {
		existing := m.jobs[id]
		if existing.Stage == j.Stage && !existing.State.IsTerminal() {
			return false, nil
		}
	}

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.State == "" {
		j.State = analysis.JobPending
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = j.CreatedAt
	}

	m.jobs[j.ID] = cloneJob(j)
	m.byRep[j.ReportID] = append(m.byRep[j.ReportID], j.ID)
	m.next++
	m.seq[j.ID] = m.next
	return true, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*analysis.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, lrerrors.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, reportID string) ([]*analysis.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byRep[reportID]
	out := make([]*analysis.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneJob(m.jobs[id]))
	}
	return out, nil
}

func (m *Memory) MarkRunning(_ context.Context, id string, at, reclaimBefore time.Time) (*analysis.Job, error) {
	return m.transitionIf(id, func(j *analysis.Job) bool {
		return claimable(j, reclaimBefore)
	}, func(j *analysis.Job) {
		j.State = analysis.JobRunning
		j.Attempt++
		t := at
		j.StartedAt = &t
		j.UpdatedAt = at
	})
}

func claimable(j *analysis.Job, reclaimBefore time.Time) bool {
	switch j.State {
	case analysis.JobPending, analysis.JobFailed:
		return true
	case analysis.JobRunning:
		return j.StartedAt == nil || j.StartedAt.Before(reclaimBefore)
	}
	return false
}

func (m *Memory) MarkRetry(_ context.Context, id string, code, message string, scheduledFor time.Time) (*analysis.Job, error) {
	return m.transition(id, []analysis.JobState{analysis.JobRunning}, func(j *analysis.Job) {
		j.State = analysis.JobFailed
		j.ErrorCode = code
		j.LastError = message
		j.ScheduledFor = scheduledFor
		j.UpdatedAt = time.Now().UTC()
	})
}

func (m *Memory) MarkSucceeded(_ context.Context, id string, at time.Time) (*analysis.Job, error) {
	return m.transition(id, analysis.ActiveJobStates, func(j *analysis.Job) {
		j.State = analysis.JobSucceeded
		t := at
		j.FinishedAt = &t
		j.UpdatedAt = at
	})
}

func (m *Memory) MarkDeadLettered(_ context.Context, id string, code, message string, at time.Time) (*analysis.Job, error) {
	return m.transition(id, analysis.ActiveJobStates, func(j *analysis.Job) {
		j.State = analysis.JobDeadLettered
		j.ErrorCode = code
		j.LastError = message
		t := at
		j.FinishedAt = &t
		j.UpdatedAt = at
	})
}

func (m *Memory) ListStale(_ context.Context, before time.Time, limit int) ([]*analysis.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*analysis.Job
	for _, j := range m.jobs {
		if (j.State == analysis.JobPending || j.State == analysis.JobFailed) && j.ScheduledFor.Before(before) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.seq[out[a].ID] < m.seq[out[b].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) transition(id string, from []analysis.JobState, apply func(*analysis.Job)) (*analysis.Job, error) {
	return m.transitionIf(id, func(j *analysis.Job) bool {
		for _, s := range from {
			if j.State == s {
				return true
			}
		}
		return false
	}, apply)
}

func (m *Memory) transitionIf(id string, allowed func(*analysis.Job) bool, apply func(*analysis.Job)) (*analysis.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, lrerrors.ErrNotFound)
	}
	if !allowed(j) {
		return nil, fmt.Errorf("job %s is %s: %w", id, j.State, lrerrors.ErrInvalidState)
	}
	apply(j)
	return cloneJob(j), nil
}

func cloneReport(r *analysis.Report) *analysis.Report {
	cp := *r
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

func cloneJob(j *analysis.Job) *analysis.Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

var _ Store = (*Memory)(nil)
