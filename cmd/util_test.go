package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

func TestDetectKind(t *testing.T) {
	tests := map[string]analysis.DocumentKind{
		"board.pdf":      analysis.KindPDF,
		"Board.PDF":      analysis.KindPDF,
		"sales.xlsx":     analysis.KindExcel,
		"export.csv":     analysis.KindExcel,
		"notes.md":       analysis.KindText,
		"dashboard.pbix": analysis.KindPowerBI,
		"workbook.twbx":  analysis.KindTableau,
		"dir/readme.txt": analysis.KindText,
	}
	for name, want := range tests {
		got, err := detectKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := detectKind("slides.key")
	assert.ErrorContains(t, err, "pass --kind")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n b\t c", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "héllo wo...", truncate("héllo world, again", 11))
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "-", formatAge(time.Time{}))
	assert.Equal(t, "5m ago", formatAge(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", formatAge(time.Now().Add(-3*time.Hour-time.Minute)))
	assert.Equal(t, "2d ago", formatAge(time.Now().Add(-49*time.Hour)))
}

func TestResolveFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Client.OutputFormat = config.OutputFormatYAML

	f, err := resolveFormat(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, config.OutputFormatYAML, f)

	f, err = resolveFormat(cfg, "json")
	require.NoError(t, err)
	assert.Equal(t, config.OutputFormatJSON, f)

	_, err = resolveFormat(cfg, "table")
	assert.Error(t, err)
}

func TestWriteOutput(t *testing.T) {
	v := &analysis.Insight{
		ID:      "i-1",
		Stage:   analysis.StageClassify,
		Version: 2,
		Content: json.RawMessage(`{"label":"finance","tags":["q3"]}`),
	}
	text := func(w io.Writer) error {
		_, err := io.WriteString(w, "text body\n")
		return err
	}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, config.OutputFormatText, v, text))
	assert.Equal(t, "text body\n", buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, config.OutputFormatJSON, v, text))
	assert.Contains(t, buf.String(), `"label": "finance"`)

	buf.Reset()
	require.NoError(t, writeOutput(&buf, config.OutputFormatYAML, v, text))
	assert.Contains(t, buf.String(), "label: finance")
	assert.Contains(t, buf.String(), "- q3")
	assert.NotContains(t, buf.String(), "text body")
}
