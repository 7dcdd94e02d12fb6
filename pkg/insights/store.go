// Package insights is the append-only store of analysis artifacts.
//
// Every successful stage attempt appends an Insight. Versions per
// (report, stage) come from an atomic counter and are never reused; there is
// no update or delete. The "current" insight is simply the highest version.
package insights

import (
	"context"
	"sort"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// Store persists insights.
type Store interface {
	// Append stores ins with the next version for (ins.ReportID, ins.Stage) and
	// returns that version. ins.Version, ins.ID and ins.CreatedAt are set.
	// Appending a second insight for the same JobID returns ErrConflict.
	Append(ctx context.Context, ins *analysis.Insight) (int, error)

	// Current returns the latest version for (reportID, stage), or nil.
	Current(ctx context.Context, reportID string, stage analysis.StageName) (*analysis.Insight, error)

	// History returns every version for (reportID, stage), ascending.
	History(ctx context.Context, reportID string, stage analysis.StageName) ([]*analysis.Insight, error)

	// CurrentAll returns the latest insight of every stage of a report.
	CurrentAll(ctx context.Context, reportID string) (map[analysis.StageName]*analysis.Insight, error)

	// ByJob returns the insight produced by jobID, or nil.
	ByJob(ctx context.Context, jobID string) (*analysis.Insight, error)

	// List returns insights of a report matching the filter.
	List(ctx context.Context, reportID string, filter Filter) ([]*analysis.Insight, error)
}

// Filter narrows List results.
type Filter struct {
	Stage         analysis.StageName
	MinConfidence *float64
	// CurrentOnly limits results to the latest version of each stage.
	CurrentOnly bool
	Limit       int
	Offset      int
}

func (f Filter) matches(ins *analysis.Insight) bool {
	if f.Stage != "" && ins.Stage != f.Stage {
		return false
	}
	if f.MinConfidence != nil {
		if ins.Confidence == nil || *ins.Confidence < *f.MinConfidence {
			return false
		}
	}
	return true
}

func (f Filter) page(in []*analysis.Insight) []*analysis.Insight {
	if f.Offset > 0 {
		if f.Offset >= len(in) {
			return nil
		}
		in = in[f.Offset:]
	}
	if f.Limit > 0 && len(in) > f.Limit {
		in = in[:f.Limit]
	}
	return in
}

// SortedStages returns the stages of m in name order.
func SortedStages(m map[analysis.StageName]*analysis.Insight) []analysis.StageName {
	out := make([]analysis.StageName, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
