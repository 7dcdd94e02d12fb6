// Package capabilities wraps external analysis functions behind one
// request/response contract.
//
// Adapters are registered per capability. Every error an adapter returns is
// classified by pkg/errors, so adapters should return *errors.StageError with
// a specific code when they know whether a failure is transient.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/blob"
)

// Payload is the input to one capability call.
type Payload struct {
	ReportID string                `json:"report_id"`
	Kind     analysis.DocumentKind `json:"kind"`
	// Document holds the raw document bytes for document stages.
	Document []byte `json:"document,omitempty"`
	// Inputs holds the current insight content of each dependency.
	Inputs map[analysis.StageName]json.RawMessage `json:"inputs,omitempty"`
	// Question is set for ad-hoc Q&A calls.
	Question string `json:"question,omitempty"`
}

// Result is the output of one capability call.
type Result struct {
	Content    json.RawMessage `json:"content"`
	Confidence *float64        `json:"confidence,omitempty"`
	// Asset is a binary side output, such as narration audio. The worker
	// stores it in the blob store and records the ref in the insight.
	Asset *blob.Asset `json:"asset,omitempty"`
}

// Adapter invokes one capability.
type Adapter interface {
	Invoke(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error)
}

// Func adapts a function to the Adapter interface.
type Func func(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
	return f(ctx, stage, p)
}

// JSONResult builds a Result by marshalling v.
func JSONResult(v interface{}, confidence *float64) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Result{Content: data, Confidence: confidence}, nil
}

// Confidence returns a pointer to c.
func Confidence(c float64) *float64 {
	return &c
}
