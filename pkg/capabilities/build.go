package capabilities

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// Adapter types accepted in Spec.Type.
const (
	TypeHTTP   = "http"
	TypeGRPC   = "grpc"
	TypeLocal  = "local"
	TypeStatic = "static"
)

// Spec is the configuration of one capability.
type Spec struct {
	Type     string        `yaml:"type"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Method   string        `yaml:"method,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	// Rate is calls per second; zero disables limiting.
	Rate  float64 `yaml:"rate,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
	// Schema is a path to a JSON schema the output must match.
	Schema string `yaml:"schema,omitempty"`
	// Response is the JSON a static adapter returns.
	Response string `yaml:"response,omitempty"`
	// Auth sends the stored bearer token for this capability.
	Auth bool `yaml:"auth,omitempty"`
}

// Build creates a registry from specs. Capabilities are built in name order
// so errors are reproducible.
func Build(specs map[analysis.Capability]Spec, tokens TokenSource) (*Registry, error) {
	names := make([]analysis.Capability, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	reg := NewRegistry()
	for _, name := range names {
		a, err := buildOne(name, specs[name], tokens)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("capability %s: %w", name, err)
		}
		if err := reg.Register(name, a); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

func buildOne(name analysis.Capability, spec Spec, tokens TokenSource) (Adapter, error) {
	var ts TokenSource
	if spec.Auth {
		if tokens == nil {
			return nil, fmt.Errorf("auth requested but no credential store is configured")
		}
		ts = tokens
	}

	var (
		a   Adapter
		err error
	)
	switch spec.Type {
	case TypeHTTP:
		a, err = NewHTTPAdapter(HTTPConfig{Capability: name, Endpoint: spec.Endpoint, Timeout: spec.Timeout, Tokens: ts})
	case TypeGRPC:
		a, err = NewGRPCAdapter(GRPCConfig{Capability: name, Target: spec.Endpoint, Method: spec.Method, Tokens: ts})
	case TypeLocal:
		if name != analysis.CapabilityExtraction {
			return nil, fmt.Errorf("local adapter only serves %s", analysis.CapabilityExtraction)
		}
		a = NewLocalExtractor()
	case TypeStatic:
		a, err = NewStatic([]byte(spec.Response), nil)
	default:
		return nil, fmt.Errorf("unknown adapter type %q", spec.Type)
	}
	if err != nil {
		return nil, err
	}

	if spec.Schema != "" {
		data, err := os.ReadFile(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		schema, err := CompileSchema(spec.Schema, data)
		if err != nil {
			return nil, err
		}
		a = NewValidating(a, schema)
	}
	if spec.Rate > 0 {
		a = NewRateLimited(a, spec.Rate, spec.Burst)
	}
	return a, nil
}

// Close releases adapters that hold connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, a := range r.adapters {
		if c, ok := unwrap(a).(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func unwrap(a Adapter) Adapter {
	for {
		switch w := a.(type) {
		case *RateLimited:
			a = w.next
		case *Validating:
			a = w.next
		default:
			return a
		}
	}
}
