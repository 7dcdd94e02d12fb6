package stages

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// Catalog maps document kinds to their stage graphs.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[analysis.DocumentKind]*Graph
	order  []analysis.DocumentKind
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[analysis.DocumentKind]*Graph)}
}

// Register adds a graph to the catalog.
func (c *Catalog) Register(g *Graph) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.graphs[g.Kind()]; exists {
		return fmt.Errorf("graph already registered for kind: %s", g.Kind())
	}
	c.graphs[g.Kind()] = g
	c.order = append(c.order, g.Kind())
	return nil
}

// Graph returns the graph for kind, or ErrUnsupportedKind.
func (c *Catalog) Graph(kind analysis.DocumentKind) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.graphs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lrerrors.ErrUnsupportedKind, kind)
	}
	return g, nil
}

// Kinds returns the registered kinds in registration order.
func (c *Catalog) Kinds() []analysis.DocumentKind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]analysis.DocumentKind, len(c.order))
	copy(out, c.order)
	return out
}

// MaxTimeout returns the longest stage timeout in the catalog. Stages
// without their own timeout count as fallback.
func (c *Catalog) MaxTimeout(fallback time.Duration) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	longest := fallback
	for _, g := range c.graphs {
		for _, d := range g.Definitions() {
			if d.Timeout > longest {
				longest = d.Timeout
			}
		}
	}
	return longest
}

// Capabilities returns every capability any graph invokes, sorted.
func (c *Catalog) Capabilities() []analysis.Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[analysis.Capability]bool)
	for _, g := range c.graphs {
		for _, capability := range g.Capabilities() {
			seen[capability] = true
		}
	}
	out := make([]analysis.Capability, 0, len(seen))
	for capability := range seen {
		out = append(out, capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultDefinitions returns the standard stage set: extraction feeds
// summarization, classification, entity extraction and Q&A indexing, and
// narration is synthesized from the summary.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: analysis.StageExtract, Capability: analysis.CapabilityExtraction, Required: true, Document: true},
		{Name: analysis.StageSummarize, Capability: analysis.CapabilitySummarize, DependsOn: []analysis.StageName{analysis.StageExtract}, Required: true},
		{Name: analysis.StageClassify, Capability: analysis.CapabilityClassify, DependsOn: []analysis.StageName{analysis.StageExtract}, Required: true},
		{Name: analysis.StageEntities, Capability: analysis.CapabilityEntities, DependsOn: []analysis.StageName{analysis.StageExtract}, Required: true},
		{Name: analysis.StageQAIndex, Capability: analysis.CapabilityQAIndex, DependsOn: []analysis.StageName{analysis.StageExtract}},
		{Name: analysis.StageNarrate, Capability: analysis.CapabilityNarrate, DependsOn: []analysis.StageName{analysis.StageSummarize}, Timeout: 5 * time.Minute},
	}
}

// DefaultCatalog registers DefaultDefinitions for every known document kind.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, kind := range []analysis.DocumentKind{
		analysis.KindPDF,
		analysis.KindExcel,
		analysis.KindText,
		analysis.KindPowerBI,
		analysis.KindTableau,
		analysis.KindGoogleDataStudio,
	} {
		g, err := NewGraph(kind, DefaultDefinitions())
		if err != nil {
			panic(err)
		}
		_ = c.Register(g)
	}
	return c
}

// File is the YAML layout of a pipeline graph file:
//
//	kinds:
//	  pdf:
//	    - name: extract
//	      capability: extraction
//	      required: true
//	      document: true
//	    - name: summarize
//	      capability: summarization
//	      depends_on: [extract]
//	      required: true
type File struct {
	Kinds map[analysis.DocumentKind][]Definition `yaml:"kinds"`
}

// LoadFile reads a graph file and builds a catalog from it.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML graph definitions. Kinds are registered in
// sorted order so the catalog is reproducible.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	if len(f.Kinds) == 0 {
		return nil, fmt.Errorf("pipeline file defines no kinds")
	}

	kinds := make([]analysis.DocumentKind, 0, len(f.Kinds))
	for kind := range f.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	c := NewCatalog()
	for _, kind := range kinds {
		g, err := NewGraph(kind, f.Kinds[kind])
		if err != nil {
			return nil, err
		}
		if err := c.Register(g); err != nil {
			return nil, err
		}
	}
	return c, nil
}
