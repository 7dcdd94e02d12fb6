package status

import (
	"context"
	"fmt"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

// maxCASRetries bounds how often Refresh re-reads a report that another
// process updated concurrently.
const maxCASRetries = 5

// Snapshot is the committed history of one report.
type Snapshot struct {
	Report    *analysis.Report
	Graph     *stages.Graph
	Jobs      []*analysis.Job
	Latest    map[analysis.StageName]*analysis.Job
	Succeeded map[analysis.StageName]bool
}

// Transition is the outcome of a Refresh.
type Transition struct {
	ReportID string
	From     analysis.ReportState
	To       analysis.ReportState
	// Changed is true only for the caller whose compare-and-set applied.
	Changed bool
	Status  *Status
}

// Tracker maintains the cached report state.
type Tracker struct {
	store    store.Store
	insights insights.Store
	catalog  *stages.Catalog
	logger   logging.Logger
}

// NewTracker creates a status tracker.
func NewTracker(st store.Store, ins insights.Store, catalog *stages.Catalog, logger logging.Logger) *Tracker {
	return &Tracker{
		store:    st,
		insights: ins,
		catalog:  catalog,
		logger:   logger.With(logging.F("component", "status_tracker")),
	}
}

// Load reads the report, its graph, its jobs and the stages that have insights.
func (t *Tracker) Load(ctx context.Context, reportID string) (*Snapshot, error) {
	r, err := t.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	g, err := t.catalog.Graph(r.Kind)
	if err != nil {
		return nil, err
	}
	jobs, err := t.store.ListJobs(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	current, err := t.insights.CurrentAll(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load insights: %w", err)
	}

	succeeded := make(map[analysis.StageName]bool, len(current))
	for stage := range current {
		succeeded[stage] = true
	}
	return &Snapshot{
		Report:    r,
		Graph:     g,
		Jobs:      jobs,
		Latest:    store.LatestByStage(jobs),
		Succeeded: succeeded,
	}, nil
}

// Derive computes the status of the snapshot.
func (s *Snapshot) Derive() *Status {
	return Derive(s.Graph, s.Report, s.Jobs, s.Succeeded)
}

// Status derives the current status of a report.
func (t *Tracker) Status(ctx context.Context, reportID string) (*Status, error) {
	snap, err := t.Load(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return snap.Derive(), nil
}

// Refresh recomputes the report state and persists it with a compare-and-set
// on the cached column. Among concurrent callers observing the same change,
// exactly one gets Changed == true.
func (t *Tracker) Refresh(ctx context.Context, reportID string) (*Transition, error) {
	for i := 0; i < maxCASRetries; i++ {
		snap, err := t.Load(ctx, reportID)
		if err != nil {
			return nil, err
		}
		st := snap.Derive()
		tr := &Transition{
			ReportID: reportID,
			From:     snap.Report.State,
			To:       st.State,
			Status:   st,
		}
		if tr.From == tr.To {
			return tr, nil
		}

		ok, err := t.store.CompareAndSetState(ctx, reportID, tr.From, tr.To)
		if err != nil {
			return nil, fmt.Errorf("failed to persist report state: %w", err)
		}
		if ok {
			tr.Changed = true
			t.logger.Info("Report state changed",
				logging.F("report_id", reportID),
				logging.F("from", string(tr.From)),
				logging.F("to", string(tr.To)))
			return tr, nil
		}
	}
	return nil, fmt.Errorf("report %s: state kept changing after %d attempts", reportID, maxCASRetries)
}
