// Package status derives a report's lifecycle state from its committed jobs
// and insights, and keeps the cached state column on the report in step.
package status

import (
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
)

// Phase is the per-stage progress shown to callers.
type Phase string

const (
	PhaseWaiting      Phase = "waiting"
	PhasePending      Phase = "pending"
	PhaseRunning      Phase = "running"
	PhaseRetrying     Phase = "retrying"
	PhaseSucceeded    Phase = "succeeded"
	PhaseDeadLettered Phase = "dead_lettered"
	PhaseBlocked      Phase = "blocked"
)

// StageStatus is the view of one stage of a report.
type StageStatus struct {
	Stage     analysis.StageName `json:"stage"`
	Required  bool               `json:"required"`
	Phase     Phase              `json:"phase"`
	JobID     string             `json:"job_id,omitempty"`
	Attempt   int                `json:"attempt"`
	ErrorCode string             `json:"error_code,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

// FailedStage describes a required stage that ended the report.
type FailedStage struct {
	Stage     analysis.StageName `json:"stage"`
	ErrorCode string             `json:"error_code,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	Attempts  int                `json:"attempts"`
	// BlockedBy is set when the stage never ran because an upstream stage
	// was dead-lettered.
	BlockedBy analysis.StageName `json:"blocked_by,omitempty"`
}

// Status is the derived state of a report.
type Status struct {
	ReportID     string                `json:"report_id"`
	Kind         analysis.DocumentKind `json:"kind"`
	State        analysis.ReportState  `json:"state"`
	Stages       []StageStatus         `json:"stages"`
	FailedStages []FailedStage         `json:"failed_stages,omitempty"`
	Blocked      []analysis.StageName  `json:"blocked,omitempty"`
}

// Stage returns the view of name, if the graph has it.
func (s *Status) Stage(name analysis.StageName) (StageStatus, bool) {
	for _, st := range s.Stages {
		if st.Stage == name {
			return st, true
		}
	}
	return StageStatus{}, false
}

// DeadLettered reports whether stage has no succeeded insight and its latest
// job was dead-lettered.
func DeadLettered(stage analysis.StageName, latest map[analysis.StageName]*analysis.Job, succeeded map[analysis.StageName]bool) bool {
	if succeeded[stage] {
		return false
	}
	j := latest[stage]
	return j != nil && j.State == analysis.JobDeadLettered
}

// BlockedStages returns, for every stage that cannot run because an ancestor
// is dead-lettered, the first such ancestor in evaluation order.
func BlockedStages(g *stages.Graph, latest map[analysis.StageName]*analysis.Job, succeeded map[analysis.StageName]bool) map[analysis.StageName]analysis.StageName {
	blocked := make(map[analysis.StageName]analysis.StageName)
	for _, name := range g.Order() {
		if succeeded[name] || DeadLettered(name, latest, succeeded) {
			continue
		}
		if j := latest[name]; j != nil && !j.State.IsTerminal() {
			continue
		}
		for _, anc := range g.Ancestors(name) {
			if DeadLettered(anc, latest, succeeded) {
				blocked[name] = anc
				break
			}
		}
	}
	return blocked
}

// Derive computes the status of r. jobs must be ordered oldest first and
// succeeded holds the stages with at least one insight. Rules apply in order:
// cancelled, failed, ready, received, extracting, analyzing.
func Derive(g *stages.Graph, r *analysis.Report, jobs []*analysis.Job, succeeded map[analysis.StageName]bool) *Status {
	latest := store.LatestByStage(jobs)
	blocked := BlockedStages(g, latest, succeeded)

	st := &Status{ReportID: r.ID, Kind: r.Kind}
	allRequired := true
	rootsDone := true
	for _, name := range g.Order() {
		def, _ := g.Definition(name)
		view := StageStatus{Stage: name, Required: def.Required, Phase: PhaseWaiting}
		j := latest[name]
		if j != nil {
			view.JobID = j.ID
			view.Attempt = j.Attempt
			view.ErrorCode = j.ErrorCode
			view.LastError = j.LastError
		}

		switch {
		case j != nil && j.State == analysis.JobPending:
			view.Phase = PhasePending
		case j != nil && j.State == analysis.JobRunning:
			view.Phase = PhaseRunning
		case j != nil && j.State == analysis.JobFailed:
			view.Phase = PhaseRetrying
		case succeeded[name]:
			view.Phase = PhaseSucceeded
		case DeadLettered(name, latest, succeeded):
			view.Phase = PhaseDeadLettered
		case blocked[name] != "":
			view.Phase = PhaseBlocked
			st.Blocked = append(st.Blocked, name)
		}
		st.Stages = append(st.Stages, view)

		if def.Required {
			switch view.Phase {
			case PhaseDeadLettered:
				st.FailedStages = append(st.FailedStages, FailedStage{
					Stage:     name,
					ErrorCode: view.ErrorCode,
					LastError: view.LastError,
					Attempts:  view.Attempt,
				})
			case PhaseBlocked:
				st.FailedStages = append(st.FailedStages, FailedStage{Stage: name, BlockedBy: blocked[name]})
			}
			if !succeeded[name] {
				allRequired = false
			}
		}
		if len(def.DependsOn) == 0 && !succeeded[name] {
			rootsDone = false
		}
	}

	switch {
	case r.Cancelled():
		st.State = analysis.StateCancelled
	case len(st.FailedStages) > 0:
		st.State = analysis.StateFailed
	case allRequired:
		st.State = analysis.StateReady
	case len(jobs) == 0:
		st.State = analysis.StateReceived
	case !rootsDone:
		st.State = analysis.StateExtracting
	default:
		st.State = analysis.StateAnalyzing
	}
	return st
}
