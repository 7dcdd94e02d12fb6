package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

type key struct {
	reportID string
	stage    analysis.StageName
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[key][]*analysis.Insight
	byJob    map[string]*analysis.Insight
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory insight store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[key][]*analysis.Insight),
		byJob:    make(map[string]*analysis.Insight),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(_ context.Context, ins *analysis.Insight) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ins.JobID != "" {
		if _, exists := s.byJob[ins.JobID]; exists {
			return 0, fmt.Errorf("insight for job %s: %w", ins.JobID, lrerrors.ErrConflict)
		}
	}

	k := key{ins.ReportID, ins.Stage}
	ins.Version = len(s.versions[k]) + 1
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	ins.CreatedAt = s.now()

	stored := clone(ins)
	s.versions[k] = append(s.versions[k], stored)
	if ins.JobID != "" {
		s.byJob[ins.JobID] = stored
	}
	return ins.Version, nil
}

func (s *MemoryStore) Current(_ context.Context, reportID string, stage analysis.StageName) (*analysis.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.versions[key{reportID, stage}]
	if len(vs) == 0 {
		return nil, nil
	}
	return clone(vs[len(vs)-1]), nil
}

func (s *MemoryStore) History(_ context.Context, reportID string, stage analysis.StageName) ([]*analysis.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.versions[key{reportID, stage}]
	out := make([]*analysis.Insight, len(vs))
	for i, v := range vs {
		out[i] = clone(v)
	}
	return out, nil
}

func (s *MemoryStore) CurrentAll(_ context.Context, reportID string) (map[analysis.StageName]*analysis.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[analysis.StageName]*analysis.Insight)
	for k, vs := range s.versions {
		if k.reportID == reportID && len(vs) > 0 {
			out[k.stage] = clone(vs[len(vs)-1])
		}
	}
	return out, nil
}

func (s *MemoryStore) ByJob(_ context.Context, jobID string) (*analysis.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.byJob[jobID]
	if !ok {
		return nil, nil
	}
	return clone(ins), nil
}

func (s *MemoryStore) List(_ context.Context, reportID string, filter Filter) ([]*analysis.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*analysis.Insight
	for k, vs := range s.versions {
		if k.reportID != reportID {
			continue
		}
		candidates := vs
		if filter.CurrentOnly && len(vs) > 0 {
			candidates = vs[len(vs)-1:]
		}
		for _, v := range candidates {
			if filter.matches(v) {
				out = append(out, clone(v))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Version < out[j].Version
	})
	return filter.page(out), nil
}

func clone(in *analysis.Insight) *analysis.Insight {
	cp := *in
	if in.Content != nil {
		cp.Content = append(json.RawMessage(nil), in.Content...)
	}
	if in.Confidence != nil {
		c := *in.Confidence
		cp.Confidence = &c
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
