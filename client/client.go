// Package client provides the HTTP client the lexireport CLI uses to reach the
// analysis API. It handles authentication headers, retry logic for reads, and
// translation of API error bodies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/pipeline"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/buildinfo"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
)

// Default retry settings. Only idempotent reads are retried.
const (
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = 100 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
)

const apiPrefix = "/api/v1"

// ErrForbidden is returned when the caller may not see the report.
var ErrForbidden = errors.New("forbidden")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Unwrap maps the HTTP status onto the domain sentinel, so callers can use
// errors.Is(err, lrerrors.ErrNotFound) against a remote server.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return lrerrors.ErrNotFound
	case http.StatusBadRequest:
		return lrerrors.ErrValidation
	case http.StatusConflict:
		return lrerrors.ErrConflict
	case http.StatusForbidden:
		return ErrForbidden
	}
	return nil
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Options configures the Client behavior.
type Options struct {
	// Token is sent as a bearer token.
	Token string

	// UserID is sent as X-User-Id for servers running without tokens.
	UserID string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for reads.
	MaxRetries int

	// InitialBackoff is the initial backoff duration for retries.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration for retries.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// DefaultOptions returns Options with default values.
func DefaultOptions() *Options {
	return &Options{
		Timeout:           config.DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// FromConfig builds options from the client section of the configuration.
func FromConfig(cfg config.ClientConfig) *Options {
	opts := DefaultOptions()
	opts.Token = cfg.Token
	opts.UserID = cfg.UserID
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	return opts
}

// Client talks to the analysis HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	options *Options
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		options: opts,
	}, nil
}

// ServerURL returns the configured server URL.
func (c *Client) ServerURL() string {
	return c.baseURL
}

// Health checks the unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
	})
}

// Upload sends a document and returns its ref.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("reading document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	var out struct {
		DocumentRef string `json:"document_ref"`
	}
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/documents", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.DocumentRef, nil
}

// SubmitRequest is the body of a report submission.
type SubmitRequest struct {
	ReportID    string                `json:"report_id,omitempty"`
	DocumentRef string                `json:"document_ref"`
	Kind        analysis.DocumentKind `json:"kind"`
}

// Submit creates a report for an uploaded document.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*analysis.Report, error) {
	var r analysis.Report
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/reports", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Status returns the derived status of a report.
func (c *Client) Status(ctx context.Context, reportID string) (*status.Status, error) {
	var st status.Status
	err := c.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, reportPath(reportID), nil, "", &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Insights returns the current insight per stage.
func (c *Client) Insights(ctx context.Context, reportID string) (map[analysis.StageName]*analysis.Insight, error) {
	var out struct {
		Insights map[analysis.StageName]*analysis.Insight `json:"insights"`
	}
	err := c.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, reportPath(reportID)+"/insights", nil, "", &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Insights, nil
}

// ListInsights returns insights matching filter.
func (c *Client) ListInsights(ctx context.Context, reportID string, filter insights.Filter) ([]*analysis.Insight, error) {
	q := url.Values{}
	if filter.Stage != "" {
		q.Set("stage", string(filter.Stage))
	}
	if filter.MinConfidence != nil {
		q.Set("min_confidence", strconv.FormatFloat(*filter.MinConfidence, 'f', -1, 64))
	}
	if !filter.CurrentOnly {
		q.Set("all", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if len(q) == 0 {
		// An empty query selects the current-map view, so pin the list view.
		q.Set("all", "false")
	}

	var out struct {
		Insights []*analysis.Insight `json:"insights"`
	}
	path := reportPath(reportID) + "/insights?" + q.Encode()
	err := c.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, nil, "", &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Insights, nil
}

// History returns every insight version of one stage, oldest first.
func (c *Client) History(ctx context.Context, reportID string, stage analysis.StageName) ([]*analysis.Insight, error) {
	var out struct {
		Versions []*analysis.Insight `json:"versions"`
	}
	path := reportPath(reportID) + "/insights/" + url.PathEscape(string(stage)) + "/history"
	err := c.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, nil, "", &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Cancel cancels a report. Cancelling twice is not an error.
func (c *Client) Cancel(ctx context.Context, reportID string) (*status.Status, error) {
	var st status.Status
	if err := c.doJSON(ctx, http.MethodPost, reportPath(reportID)+"/cancel", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Rerun schedules a fresh job for one stage.
func (c *Client) Rerun(ctx context.Context, reportID string, stage analysis.StageName) (*status.Status, error) {
	var st status.Status
	path := reportPath(reportID) + "/stages/" + url.PathEscape(string(stage)) + "/rerun"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Ask answers a question against the report's QA index.
func (c *Client) Ask(ctx context.Context, reportID, question string) (*pipeline.Answer, error) {
	var ans pipeline.Answer
	body := map[string]string{"question": question}
	if err := c.doJSON(ctx, http.MethodPost, reportPath(reportID)+"/ask", body, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

// Stages lists the stage graph of a document kind.
func (c *Client) Stages(ctx context.Context, kind analysis.DocumentKind) ([]stages.Definition, error) {
	var out struct {
		Stages []stages.Definition `json:"stages"`
	}
	err := c.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, apiPrefix+"/stages/"+url.PathEscape(string(kind)), nil, "", &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Stages, nil
}

// WithRetry executes fn with automatic retry on transport failures and
// temporary server errors. Uses exponential backoff between attempts.
func (c *Client) WithRetry(ctx context.Context, fn func() error) error {
	backoff := c.options.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.options.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.options.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * c.options.BackoffMultiplier)
		if backoff > c.options.MaxBackoff {
			backoff = c.options.MaxBackoff
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent("lexireport-cli"))
	if c.options.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.Token)
	}
	if c.options.UserID != "" {
		req.Header.Set("X-User-Id", c.options.UserID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error *APIError `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = strings.ReplaceAll(strings.ToLower(http.StatusText(resp.StatusCode)), " ", "_")
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func reportPath(id string) string {
	return apiPrefix + "/reports/" + url.PathEscape(id)
}
