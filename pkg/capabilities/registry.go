package capabilities

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
)

// ErrNotRegistered is returned when no adapter serves a capability.
var ErrNotRegistered = errors.New("capability not registered")

// Registry maps capabilities to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[analysis.Capability]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[analysis.Capability]Adapter)}
}

// Register adds an adapter. Registering a capability twice is an error.
func (r *Registry) Register(capability analysis.Capability, a Adapter) error {
	if capability == "" {
		return fmt.Errorf("capability name cannot be empty")
	}
	if a == nil {
		return fmt.Errorf("adapter for %s cannot be nil", capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[capability]; exists {
		return fmt.Errorf("adapter already registered for capability: %s", capability)
	}
	r.adapters[capability] = a
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(capability analysis.Capability, a Adapter) {
	if err := r.Register(capability, a); err != nil {
		panic(err)
	}
}

// Get returns the adapter for capability.
func (r *Registry) Get(capability analysis.Capability) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, capability)
	}
	return a, nil
}

// Capabilities returns the registered capabilities, sorted.
func (r *Registry) Capabilities() []analysis.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]analysis.Capability, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that every capability the catalog's graphs name has an
// adapter, plus any extra capabilities the caller needs.
func (r *Registry) Validate(catalog *stages.Catalog, extra ...analysis.Capability) error {
	needed := append(catalog.Capabilities(), extra...)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	seen := make(map[analysis.Capability]bool)
	for _, c := range needed {
		if seen[c] {
			continue
		}
		seen[c] = true
		if _, ok := r.adapters[c]; !ok {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrNotRegistered, strings.Join(missing, ", "))
	}
	return nil
}
