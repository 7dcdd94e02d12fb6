package capabilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// Static answers every call with a fixed response. It backs capabilities in
// local development, where no model endpoint is available.
type Static struct {
	content    json.RawMessage
	confidence *float64
}

// NewStatic creates a static adapter. content must be valid JSON.
func NewStatic(content json.RawMessage, confidence *float64) (*Static, error) {
	if !json.Valid(content) {
		return nil, fmt.Errorf("static response is not valid JSON")
	}
	return &Static{content: append(json.RawMessage(nil), content...), confidence: confidence}, nil
}

// Invoke returns the configured response.
func (s *Static) Invoke(ctx context.Context, _ analysis.StageName, _ Payload) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{Content: append(json.RawMessage(nil), s.content...)}
	if s.confidence != nil {
		res.Confidence = Confidence(*s.confidence)
	}
	return res, nil
}

var _ Adapter = (*Static)(nil)
