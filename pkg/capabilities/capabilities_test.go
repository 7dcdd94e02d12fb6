package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

type staticTokens map[string]string

func (s staticTokens) BearerToken(capability string) (string, error) {
	tok, ok := s[capability]
	if !ok {
		return "", errors.New("no token")
	}
	return tok, nil
}

func codeOf(t *testing.T, err error) lrerrors.ErrorCode {
	t.Helper()
	require.Error(t, err)
	return lrerrors.CodeOf(err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	echo := Func(func(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
		return JSONResult(map[string]string{"stage": string(stage)}, nil)
	})

	require.NoError(t, reg.Register(analysis.CapabilitySummarize, echo))
	assert.Error(t, reg.Register(analysis.CapabilitySummarize, echo))
	assert.Error(t, reg.Register("", echo))
	assert.Error(t, reg.Register(analysis.CapabilityQA, nil))

	a, err := reg.Get(analysis.CapabilitySummarize)
	require.NoError(t, err)
	res, err := a.Invoke(context.Background(), analysis.StageSummarize, Payload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"summarize"}`, string(res.Content))

	_, err = reg.Get(analysis.CapabilityNarrate)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, []analysis.Capability{analysis.CapabilitySummarize}, reg.Capabilities())
}

func TestRegistry_ValidateAgainstCatalog(t *testing.T) {
	reg := NewRegistry()
	for _, c := range stages.DefaultCatalog().Capabilities() {
		if c == analysis.CapabilityNarrate {
			continue
		}
		reg.MustRegister(c, NewLocalExtractor())
	}

	err := reg.Validate(stages.DefaultCatalog(), analysis.CapabilityQA)
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "narration, qa")

	reg.MustRegister(analysis.CapabilityNarrate, NewLocalExtractor())
	reg.MustRegister(analysis.CapabilityQA, NewLocalExtractor())
	assert.NoError(t, reg.Validate(stages.DefaultCatalog(), analysis.CapabilityQA))
}

func TestHTTPAdapter_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "summarize", body["stage"])
		assert.Equal(t, "r1", body["report_id"])
		assert.Equal(t, map[string]interface{}{"extract": map[string]interface{}{"text": "hello"}}, body["inputs"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":{"summary":"hi"},"confidence":0.8}`)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{
		Capability: analysis.CapabilitySummarize,
		Endpoint:   srv.URL,
		Tokens:     staticTokens{"summarization": "tok-1"},
	})
	require.NoError(t, err)

	res, err := a.Invoke(context.Background(), analysis.StageSummarize, Payload{
		ReportID: "r1",
		Kind:     analysis.KindPDF,
		Inputs:   map[analysis.StageName]json.RawMessage{analysis.StageExtract: json.RawMessage(`{"text":"hello"}`)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"hi"}`, string(res.Content))
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.8, *res.Confidence, 1e-9)
}

func TestHTTPAdapter_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		code      lrerrors.ErrorCode
		retryable bool
	}{
		{http.StatusTooManyRequests, "slow down", lrerrors.ErrRateLimit, true},
		{http.StatusServiceUnavailable, "", lrerrors.ErrCapabilityUnavailable, true},
		{http.StatusGatewayTimeout, "", lrerrors.ErrTimeout, true},
		{http.StatusUnauthorized, "", lrerrors.ErrCapabilityUnavailable, true},
		{http.StatusBadRequest, "bad input", lrerrors.ErrInvalidInput, false},
		{http.StatusUnprocessableEntity, "malformed table", lrerrors.ErrMalformedDocument, false},
		{http.StatusUnsupportedMediaType, "", lrerrors.ErrUnsupportedDocument, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			a, err := NewHTTPAdapter(HTTPConfig{Capability: analysis.CapabilityClassify, Endpoint: srv.URL})
			require.NoError(t, err)
			_, err = a.Invoke(context.Background(), analysis.StageClassify, Payload{})

			assert.Equal(t, tt.code, codeOf(t, err))
			assert.Equal(t, tt.retryable, lrerrors.IsErrorRetryable(err))
		})
	}
}

func TestHTTPAdapter_BadResponseIsInvalidOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = a.Invoke(context.Background(), analysis.StageEntities, Payload{})
	assert.Equal(t, lrerrors.ErrInvalidOutput, codeOf(t, err))
}

func TestHTTPAdapter_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a, err := NewHTTPAdapter(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Invoke(ctx, analysis.StageNarrate, Payload{})
	assert.Equal(t, lrerrors.ErrTimeout, codeOf(t, err))
	assert.True(t, lrerrors.IsErrorRetryable(err))
}

func TestHTTPAdapter_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPAdapter(HTTPConfig{Capability: analysis.CapabilityQA})
	assert.Error(t, err)
}

func TestLocalExtractor_Text(t *testing.T) {
	e := NewLocalExtractor()

	res, err := e.Invoke(context.Background(), analysis.StageExtract, Payload{
		Kind:     analysis.KindText,
		Document: []byte("\ufeffQuarterly revenue\r\nup 4%\n"),
	})
	require.NoError(t, err)
	var out Extraction
	require.NoError(t, json.Unmarshal(res.Content, &out))
	assert.Equal(t, "Quarterly revenue\nup 4%", out.Text)
	assert.Equal(t, analysis.KindText, out.Kind)
	require.NotNil(t, res.Confidence)

	res, err = e.Invoke(context.Background(), analysis.StageExtract, Payload{
		Kind:     analysis.KindTableau,
		Document: []byte("caf\xe9 sales"),
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res.Content, &out))
	assert.Equal(t, "café sales", out.Text)
}

func TestLocalExtractor_Spreadsheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"region", "revenue"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{"north", 100}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]interface{}{"south", 300}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := NewLocalExtractor().Invoke(context.Background(), analysis.StageExtract, Payload{
		Kind:     analysis.KindExcel,
		Document: buf.Bytes(),
	})
	require.NoError(t, err)

	var out Extraction
	require.NoError(t, json.Unmarshal(res.Content, &out))
	require.Len(t, out.Sheets, 1)
	sheet := out.Sheets[0]
	assert.Equal(t, 2, sheet.Rows)
	require.Len(t, sheet.Columns, 2)

	region, revenue := sheet.Columns[0], sheet.Columns[1]
	assert.False(t, region.Numeric)
	assert.True(t, revenue.Numeric)
	require.NotNil(t, revenue.Mean)
	assert.InDelta(t, 200.0, *revenue.Mean, 1e-9)
	assert.InDelta(t, 100.0, *revenue.Min, 1e-9)
	assert.InDelta(t, 300.0, *revenue.Max, 1e-9)
	assert.Contains(t, out.Text, "north\t100")
}

func TestLocalExtractor_Failures(t *testing.T) {
	e := NewLocalExtractor()
	ctx := context.Background()

	_, err := e.Invoke(ctx, analysis.StageExtract, Payload{Kind: analysis.KindPDF, Document: []byte("not a pdf")})
	assert.Equal(t, lrerrors.ErrMalformedDocument, codeOf(t, err))
	assert.False(t, lrerrors.IsErrorRetryable(err))

	_, err = e.Invoke(ctx, analysis.StageExtract, Payload{Kind: analysis.KindExcel, Document: []byte("PK nope")})
	assert.Equal(t, lrerrors.ErrMalformedDocument, codeOf(t, err))

	_, err = e.Invoke(ctx, analysis.StageExtract, Payload{Kind: "docx", Document: []byte("x")})
	assert.Equal(t, lrerrors.ErrUnsupportedDocument, codeOf(t, err))

	_, err = e.Invoke(ctx, analysis.StageExtract, Payload{Kind: analysis.KindText})
	assert.Equal(t, lrerrors.ErrMalformedDocument, codeOf(t, err))
}

func TestRateLimited(t *testing.T) {
	var calls int32
	inner := Func(func(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return JSONResult("ok", nil)
	})
	limited := NewRateLimited(inner, 0.5, 1)

	_, err := limited.Invoke(context.Background(), analysis.StageQAIndex, Payload{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Invoke(ctx, analysis.StageQAIndex, Payload{})
	assert.Equal(t, lrerrors.ErrTimeout, codeOf(t, err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = limited.Invoke(cancelled, analysis.StageQAIndex, Payload{})
	assert.ErrorIs(t, err, context.Canceled)
}

const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {"summary": {"type": "string", "minLength": 1}}
}`

func TestValidating(t *testing.T) {
	schema, err := CompileSchema("summary.json", []byte(summarySchema))
	require.NoError(t, err)

	respond := func(content string, conf *float64) Adapter {
		return Func(func(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
			return &Result{Content: json.RawMessage(content), Confidence: conf}, nil
		})
	}

	res, err := NewValidating(respond(`{"summary":"ok"}`, nil), schema).Invoke(context.Background(), analysis.StageSummarize, Payload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"ok"}`, string(res.Content))

	_, err = NewValidating(respond(`{"summary":""}`, nil), schema).Invoke(context.Background(), analysis.StageSummarize, Payload{})
	assert.Equal(t, lrerrors.ErrInvalidOutput, codeOf(t, err))
	assert.False(t, lrerrors.IsErrorRetryable(err))

	_, err = NewValidating(respond(`{"summary":"ok"}`, Confidence(1.5)), schema).Invoke(context.Background(), analysis.StageSummarize, Payload{})
	assert.Equal(t, lrerrors.ErrInvalidOutput, codeOf(t, err))

	_, err = CompileSchema("bad.json", []byte(`{"type": 12}`))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	schemaPath := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(summarySchema), 0o600))

	reg, err := Build(map[analysis.Capability]Spec{
		analysis.CapabilityExtraction: {Type: TypeLocal},
		analysis.CapabilitySummarize:  {Type: TypeStatic, Response: `{"summary":"stub"}`, Schema: schemaPath, Rate: 10, Burst: 2},
		analysis.CapabilityQA:         {Type: TypeHTTP, Endpoint: "http://qa.local/invoke"},
	}, nil)
	require.NoError(t, err)
	defer reg.Close()

	a, err := reg.Get(analysis.CapabilitySummarize)
	require.NoError(t, err)
	assert.IsType(t, &RateLimited{}, a)
	assert.IsType(t, &Static{}, unwrap(a))

	res, err := a.Invoke(context.Background(), analysis.StageSummarize, Payload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"stub"}`, string(res.Content))
}

func TestBuild_Errors(t *testing.T) {
	tests := map[string]Spec{
		"unknown type":      {Type: "carrier-pigeon"},
		"local non-extract": {Type: TypeLocal},
		"bad static":        {Type: TypeStatic, Response: "{"},
		"auth without store": {Type: TypeHTTP, Endpoint: "http://x", Auth: true},
		"missing schema":    {Type: TypeStatic, Response: "{}", Schema: "/does/not/exist.json"},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(map[analysis.Capability]Spec{analysis.CapabilityNarrate: spec}, nil)
			assert.Error(t, err)
		})
	}
}
