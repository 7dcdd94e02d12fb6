package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/app"
	"github.com/otherjamesbrown/lexireport/pkg/capabilities"
	"github.com/otherjamesbrown/lexireport/pkg/httpapi"
	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startAPI runs an in-memory server with workers and returns deps pointing
// the report commands at it.
func startAPI(t *testing.T) *ReportCommandDeps {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Blob.Backend = config.BackendMemory
	cfg.Workers.Count = 2
	cfg.Workers.PollInterval = 10 * time.Millisecond
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Notifications.Log = false
	for c, body := range map[analysis.Capability]string{
		analysis.CapabilitySummarize: `{"summary":"revenue up 12%"}`,
		analysis.CapabilityClassify:  `{"label":"finance"}`,
		analysis.CapabilityEntities:  `{"entities":["ACME"]}`,
		analysis.CapabilityQAIndex:   `{"chunks":1}`,
		analysis.CapabilityNarrate:   `{"script":"Revenue rose."}`,
		analysis.CapabilityQA:        `{"answer":"Revenue rose 12 percent."}`,
	} {
		cfg.Capabilities[c] = capabilities.Spec{Type: capabilities.TypeStatic, Response: body}
	}

	rt, err := app.Build(context.Background(), cfg, app.Options{Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	pool, err := rt.NewPool()
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewRouter(rt.Service, httpapi.Options{
		Tokens: map[string]string{"tok-cli": "analyst"},
		Access: httpapi.OwnerAccess{Reports: rt.Store},
		Logger: rt.Logger,
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg.Client.ServerURL = srv.URL
	cfg.Client.Token = "tok-cli"
	cfg.Client.Timeout = 5 * time.Second
	return &ReportCommandDeps{
		LoadConfig: func() (*config.Config, error) { return cfg, nil },
	}
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeDoc(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// submitReady submits a text document and waits for it to become ready.
func submitReady(t *testing.T, deps *ReportCommandDeps) string {
	t.Helper()
	path := writeDoc(t, "q3.txt", "Revenue rose 12 percent in Q3.")

	out, err := run(t, NewSubmitCommand(deps), path, "--wait", "--poll-interval", "20ms", "-o", "json")
	require.NoError(t, err, out)

	var st status.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, analysis.StateReady, st.State)
	return st.ReportID
}

func TestSubmitCommand_Flags(t *testing.T) {
	cmd := NewSubmitCommand(nil)
	assert.Equal(t, "submit [file]", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.Contains(t, cmd.Long, "Examples:")

	for _, name := range []string{"kind", "ref", "id", "wait", "poll-interval", "wait-timeout", "output"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestSubmitCommand_ArgumentErrors(t *testing.T) {
	deps := &ReportCommandDeps{LoadConfig: func() (*config.Config, error) { return config.DefaultConfig(), nil }}

	_, err := run(t, NewSubmitCommand(deps))
	assert.ErrorContains(t, err, "a file or --ref is required")

	_, err = run(t, NewSubmitCommand(deps), "a.pdf", "--ref", "mem://x")
	assert.ErrorContains(t, err, "not both")

	_, err = run(t, NewSubmitCommand(deps), "--ref", "mem://x")
	assert.ErrorContains(t, err, "--kind is required")

	_, err = run(t, NewSubmitCommand(deps), "deck.key")
	assert.ErrorContains(t, err, "pass --kind")
}

func TestSubmitCommand_NoWait(t *testing.T) {
	deps := startAPI(t)
	path := writeDoc(t, "notes.txt", "Margins held steady.")

	out, err := run(t, NewSubmitCommand(deps), path)
	require.NoError(t, err)
	assert.Contains(t, out, "Submitted report")
	assert.Contains(t, out, "(text)")
	assert.Contains(t, out, "lexireport status")
}

func TestStatusCommand(t *testing.T) {
	deps := startAPI(t)
	id := submitReady(t, deps)

	out, err := run(t, NewStatusCommand(deps), id)
	require.NoError(t, err)
	assert.Contains(t, out, "State:   ready")
	assert.Contains(t, out, "summarize")
	assert.Contains(t, out, "REQUIRED")

	_, err = run(t, NewStatusCommand(deps), "does-not-exist")
	assert.ErrorContains(t, err, "getting status")
}

func TestInsightsCommand(t *testing.T) {
	deps := startAPI(t)
	id := submitReady(t, deps)

	require.Eventually(t, func() bool {
		out, err := run(t, NewInsightsCommand(deps), id, "-o", "json")
		if err != nil {
			return false
		}
		var list []*analysis.Insight
		return json.Unmarshal([]byte(out), &list) == nil && len(list) == 6
	}, 5*time.Second, 20*time.Millisecond)

	out, err := run(t, NewInsightsCommand(deps), id, "--stage", "summarize", "--full")
	require.NoError(t, err)
	assert.Contains(t, out, "== summarize v1")
	assert.Contains(t, out, `"summary": "revenue up 12%"`)

	out, err = run(t, NewInsightsCommand(deps), id, "--stage", "classify", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "label: finance")

	_, err = run(t, NewInsightsCommand(deps), id, "--history")
	assert.ErrorContains(t, err, "--history requires --stage")
}

func TestRerunCommand_AppendsVersion(t *testing.T) {
	deps := startAPI(t)
	id := submitReady(t, deps)

	out, err := run(t, NewRerunCommand(deps), id, "summarize")
	require.NoError(t, err)
	assert.Contains(t, out, "Rerun of summarize scheduled.")

	require.Eventually(t, func() bool {
		out, err := run(t, NewInsightsCommand(deps), id, "--stage", "summarize", "--history", "-o", "json")
		if err != nil {
			return false
		}
		var list []*analysis.Insight
		return json.Unmarshal([]byte(out), &list) == nil && len(list) == 2 && list[1].Version == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err = run(t, NewRerunCommand(deps), id, "no_such_stage")
	assert.Error(t, err)
}

func TestAskCommand(t *testing.T) {
	deps := startAPI(t)
	id := submitReady(t, deps)

	out, err := run(t, NewAskCommand(deps), id, "how", "did", "revenue", "move?")
	require.NoError(t, err)
	assert.Contains(t, out, "Revenue rose 12 percent.")
}

func TestCancelCommand(t *testing.T) {
	deps := startAPI(t)
	id := submitReady(t, deps)

	out, err := run(t, NewCancelCommand(deps), id)
	require.NoError(t, err)
	assert.Contains(t, out, "is cancelled")

	// Cancelling again is a no-op.
	out, err = run(t, NewCancelCommand(deps), id)
	require.NoError(t, err)
	assert.Contains(t, out, "is cancelled")

	_, err = run(t, NewRerunCommand(deps), id, "summarize")
	assert.Error(t, err)
}

func TestStagesCommand(t *testing.T) {
	deps := startAPI(t)

	out, err := run(t, NewStagesCommand(deps))
	require.NoError(t, err)
	assert.Contains(t, out, "Stages for pdf")
	assert.Contains(t, out, "narration")

	out, err = run(t, NewStagesCommand(deps), "excel", "-o", "json")
	require.NoError(t, err)
	var defs []stages.Definition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	assert.Len(t, defs, len(stages.DefaultDefinitions()))

	_, err = run(t, NewStagesCommand(deps), "docx")
	assert.Error(t, err)
}

func TestReportCommands_InvalidOutput(t *testing.T) {
	deps := startAPI(t)
	_, err := run(t, NewStagesCommand(deps), "-o", "xml")
	assert.ErrorContains(t, err, "invalid output format")
}

func TestReportCommands_ConfigError(t *testing.T) {
	deps := &ReportCommandDeps{LoadConfig: func() (*config.Config, error) {
		return nil, assert.AnError
	}}
	_, err := run(t, NewStatusCommand(deps), "r1")
	assert.ErrorContains(t, err, "loading configuration")
}

func TestPrintStatus_Blocked(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &status.Status{
		ReportID: "r1",
		Kind:     analysis.KindPDF,
		State:    analysis.StateFailed,
		Stages: []status.StageStatus{
			{Stage: analysis.StageExtract, Required: true, Phase: status.Phase("dead_lettered"), Attempt: 5, ErrorCode: "malformed_document", LastError: "open pdf: bad xref"},
		},
		Blocked: []analysis.StageName{analysis.StageSummarize, analysis.StageClassify},
	})

	out := buf.String()
	assert.Contains(t, out, "malformed_document: open pdf: bad xref")
	assert.True(t, strings.HasSuffix(out, "Blocked: summarize, classify\n"))
}
