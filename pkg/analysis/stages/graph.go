// Package stages defines stage definitions and the per-document-kind stage
// dependency graphs the orchestrator evaluates.
package stages

import (
	"fmt"
	"sort"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// Definition is the static configuration of one stage.
type Definition struct {
	Name       analysis.StageName   `yaml:"name" json:"name"`
	Capability analysis.Capability  `yaml:"capability" json:"capability"`
	DependsOn  []analysis.StageName `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Required stages must succeed for the report to become ready.
	Required bool `yaml:"required" json:"required"`
	// Document stages receive the raw document bytes.
	Document bool `yaml:"document,omitempty" json:"document,omitempty"`
	// Timeout overrides the worker's stage timeout when non-zero.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Graph is an immutable stage DAG for one document kind.
type Graph struct {
	kind       analysis.DocumentKind
	defs       []Definition
	index      map[analysis.StageName]int
	order      []analysis.StageName
	dependents map[analysis.StageName][]analysis.StageName
}

// NewGraph validates defs and builds the graph. Declaration order of defs is
// kept as the tie-breaker for evaluation order.
func NewGraph(kind analysis.DocumentKind, defs []Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("graph %s: no stages", kind)
	}

	g := &Graph{
		kind:       kind,
		defs:       make([]Definition, len(defs)),
		index:      make(map[analysis.StageName]int, len(defs)),
		dependents: make(map[analysis.StageName][]analysis.StageName),
	}
	copy(g.defs, defs)

	for i, d := range g.defs {
		if d.Name == "" {
			return nil, fmt.Errorf("graph %s: stage %d has no name", kind, i)
		}
		if d.Capability == "" {
			return nil, fmt.Errorf("graph %s: stage %s has no capability", kind, d.Name)
		}
		if _, dup := g.index[d.Name]; dup {
			return nil, fmt.Errorf("graph %s: duplicate stage %s", kind, d.Name)
		}
		g.index[d.Name] = i
	}

	for _, d := range g.defs {
		for _, dep := range d.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("graph %s: stage %s depends on unknown stage %s", kind, d.Name, dep)
			}
			if dep == d.Name {
				return nil, fmt.Errorf("graph %s: stage %s depends on itself", kind, d.Name)
			}
			g.dependents[dep] = append(g.dependents[dep], d.Name)
		}
	}

	depth, err := g.depths()
	if err != nil {
		return nil, err
	}

	g.order = make([]analysis.StageName, len(g.defs))
	for i, d := range g.defs {
		g.order[i] = d.Name
	}
	sort.SliceStable(g.order, func(i, j int) bool {
		a, b := g.order[i], g.order[j]
		if depth[a] != depth[b] {
			return depth[a] < depth[b]
		}
		return g.index[a] < g.index[b]
	})

	return g, nil
}

// depths returns the longest-path depth of every stage, failing on cycles.
func (g *Graph) depths() (map[analysis.StageName]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[analysis.StageName]int, len(g.defs))
	depth := make(map[analysis.StageName]int, len(g.defs))

	var visit func(name analysis.StageName, path []analysis.StageName) error
	visit = func(name analysis.StageName, path []analysis.StageName) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("graph %s: dependency cycle %v", g.kind, append(path, name))
		}
		state[name] = visiting
		d := 0
		for _, dep := range g.defs[g.index[name]].DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		state[name] = done
		return nil
	}

	for _, d := range g.defs {
		if err := visit(d.Name, nil); err != nil {
			return nil, err
		}
	}
	return depth, nil
}

// Kind returns the document kind the graph serves.
func (g *Graph) Kind() analysis.DocumentKind {
	return g.kind
}

// Order returns stage names in evaluation order: topological, then declaration.
func (g *Graph) Order() []analysis.StageName {
	out := make([]analysis.StageName, len(g.order))
	copy(out, g.order)
	return out
}

// Definitions returns the stage definitions in declaration order.
func (g *Graph) Definitions() []Definition {
	out := make([]Definition, len(g.defs))
	copy(out, g.defs)
	return out
}

// Definition returns the definition for name.
func (g *Graph) Definition(name analysis.StageName) (Definition, bool) {
	i, ok := g.index[name]
	if !ok {
		return Definition{}, false
	}
	return g.defs[i], true
}

// Has reports whether the graph contains name.
func (g *Graph) Has(name analysis.StageName) bool {
	_, ok := g.index[name]
	return ok
}

// IsRoot reports whether name has no dependencies.
func (g *Graph) IsRoot(name analysis.StageName) bool {
	d, ok := g.Definition(name)
	return ok && len(d.DependsOn) == 0
}

// Dependents returns every stage that transitively depends on name, in
// evaluation order.
func (g *Graph) Dependents(name analysis.StageName) []analysis.StageName {
	seen := make(map[analysis.StageName]bool)
	var walk func(analysis.StageName)
	walk = func(n analysis.StageName) {
		for _, child := range g.dependents[n] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	walk(name)

	out := make([]analysis.StageName, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Ancestors returns every stage name transitively depends on.
func (g *Graph) Ancestors(name analysis.StageName) []analysis.StageName {
	seen := make(map[analysis.StageName]bool)
	var walk func(analysis.StageName)
	walk = func(n analysis.StageName) {
		d, ok := g.Definition(n)
		if !ok {
			return
		}
		for _, dep := range d.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]analysis.StageName, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Capabilities returns the distinct capabilities the graph invokes.
func (g *Graph) Capabilities() []analysis.Capability {
	seen := make(map[analysis.Capability]bool)
	var out []analysis.Capability
	for _, d := range g.defs {
		if !seen[d.Capability] {
			seen[d.Capability] = true
			out = append(out, d.Capability)
		}
	}
	return out
}
