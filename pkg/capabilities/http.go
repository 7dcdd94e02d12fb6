package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// TokenSource supplies bearer tokens for capability endpoints.
type TokenSource interface {
	BearerToken(capability string) (string, error)
}

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Capability analysis.Capability
	Endpoint   string
	// Timeout bounds a single request. The stage timeout on ctx still applies.
	Timeout time.Duration
	Tokens  TokenSource
	Client  *http.Client
}

// HTTPAdapter calls a capability served as a JSON-over-HTTP endpoint.
//
// The request body is {"report_id", "stage", "kind", "document", "inputs",
// "question"} and the response body is a Result.
type HTTPAdapter struct {
	capability analysis.Capability
	endpoint   string
	tokens     TokenSource
	client     *http.Client
}

type httpRequest struct {
	Stage analysis.StageName `json:"stage"`
	Payload
}

// NewHTTPAdapter creates an HTTP adapter.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("capability %s: endpoint is required", cfg.Capability)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAdapter{
		capability: cfg.Capability,
		endpoint:   cfg.Endpoint,
		tokens:     cfg.Tokens,
		client:     client,
	}, nil
}

// Invoke posts the payload and decodes the result.
func (a *HTTPAdapter) Invoke(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
	body, err := json.Marshal(httpRequest{Stage: stage, Payload: p})
	if err != nil {
		return nil, lrerrors.Permanent("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, lrerrors.Permanent("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.tokens != nil {
		tok, err := a.tokens.BearerToken(string(a.capability))
		if err != nil {
			return nil, lrerrors.NewStageError(lrerrors.ErrCapabilityUnavailable, "load capability token", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, lrerrors.NewStageError(lrerrors.ErrTimeout, "capability request timed out", err)
		}
		return nil, lrerrors.Transient("capability request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, snippet)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "decode capability response", err)
	}
	if len(res.Content) == 0 {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "capability response has no content", nil)
	}
	return &res, nil
}

// statusError maps an HTTP status to a classified stage error.
func statusError(code int, body []byte) *lrerrors.StageError {
	msg := fmt.Sprintf("capability returned %d: %s", code, bytes.TrimSpace(body))
	switch {
	case code == http.StatusTooManyRequests:
		return lrerrors.NewStageError(lrerrors.ErrRateLimit, msg, nil)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return lrerrors.NewStageError(lrerrors.ErrTimeout, msg, nil)
	case code == http.StatusUnprocessableEntity && bytes.Contains(bytes.ToLower(body), []byte("malformed")):
		return lrerrors.NewStageError(lrerrors.ErrMalformedDocument, msg, nil)
	case code == http.StatusUnsupportedMediaType:
		return lrerrors.NewStageError(lrerrors.ErrUnsupportedDocument, msg, nil)
	case code >= 500:
		return lrerrors.NewStageError(lrerrors.ErrCapabilityUnavailable, msg, nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return lrerrors.NewStageError(lrerrors.ErrCapabilityUnavailable, msg, nil)
	default:
		return lrerrors.NewStageError(lrerrors.ErrInvalidInput, msg, nil)
	}
}

var _ Adapter = (*HTTPAdapter)(nil)
