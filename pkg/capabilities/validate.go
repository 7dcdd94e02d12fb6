package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// Validating checks adapter output against a JSON schema. Output that does
// not match is a permanent ErrInvalidOutput failure.
type Validating struct {
	next   Adapter
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// NewValidating wraps next with output validation.
func NewValidating(next Adapter, schema *jsonschema.Schema) *Validating {
	return &Validating{next: next, schema: schema}
}

// Invoke calls the wrapped adapter and validates Result.Content.
func (v *Validating) Invoke(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
	res, err := v.next.Invoke(ctx, stage, p)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal(res.Content, &doc); err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "content is not JSON", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "content does not match schema", err)
	}
	if res.Confidence != nil && (*res.Confidence < 0 || *res.Confidence > 1) {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, fmt.Sprintf("confidence %v outside [0,1]", *res.Confidence), nil)
	}
	return res, nil
}

var _ Adapter = (*Validating)(nil)
