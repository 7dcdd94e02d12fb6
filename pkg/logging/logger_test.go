package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newJSONLogger(buf *bytes.Buffer, level Level) Logger {
	return NewLogger(&Config{
		Level:       level,
		ServiceName: "test-service",
		Environment: "testing",
		Format:      FormatJSON,
		Output:      buf,
	})
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var output map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &output); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return output
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.ServiceName != "lexireport" {
		t.Errorf("expected default service name 'lexireport', got %s", cfg.ServiceName)
	}
	if cfg.Format != FormatAuto {
		t.Errorf("expected default format auto, got %s", cfg.Format)
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Error("expected non-nil logger with nil config")
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelDebug)

	log.Info("test message", F("key", "value"))

	output := decode(t, buf)
	if output["message"] != "test message" {
		t.Errorf("expected message 'test message', got %v", output["message"])
	}
	if output["service_name"] != "test-service" {
		t.Errorf("expected service_name 'test-service', got %v", output["service_name"])
	}
	if output["key"] != "value" {
		t.Errorf("expected key 'value', got %v", output["key"])
	}
	if output["level"] != "info" {
		t.Errorf("expected level 'info', got %v", output["level"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelWarn)

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}

	log.Warn("kept")
	if decode(t, buf)["level"] != "warn" {
		t.Errorf("expected warn entry, got %q", buf.String())
	}
}

func TestLogger_WithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelInfo).With(F("component", "worker"), F("worker_id", 3))

	log.Info("job handled")

	output := decode(t, buf)
	if output["component"] != "worker" {
		t.Errorf("expected component 'worker', got %v", output["component"])
	}
	if output["worker_id"] != float64(3) {
		t.Errorf("expected worker_id 3, got %v", output["worker_id"])
	}
}

func TestLogger_WithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelInfo)

	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-123")
	ctx = WithReportID(ctx, "report-9")

	log.WithContext(ctx).Info("traced")

	output := decode(t, buf)
	if output["trace_id"] != "trace-123" {
		t.Errorf("expected trace_id 'trace-123', got %v", output["trace_id"])
	}
	if output["report_id"] != "report-9" {
		t.Errorf("expected report_id 'report-9', got %v", output["report_id"])
	}
	if _, ok := output["request_id"]; ok {
		t.Error("request_id should not be present")
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelInfo)

	log.Info("type test",
		F("duration", 1500*time.Millisecond),
		F("stages", []string{"extract", "summarize"}),
		F("ok", true),
		Err(errors.New("boom")),
	)

	output := decode(t, buf)
	if output["error"] != "boom" {
		t.Errorf("expected error 'boom', got %v", output["error"])
	}
	if output["ok"] != true {
		t.Errorf("expected ok true, got %v", output["ok"])
	}
	stages, ok := output["stages"].([]interface{})
	if !ok || len(stages) != 2 {
		t.Errorf("expected two stages, got %v", output["stages"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		"WARN":   zerolog.WarnLevel,
		" error": zerolog.ErrorLevel,
		"":       zerolog.InfoLevel,
		"bogus":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveFormat_NonTerminalIsJSON(t *testing.T) {
	if got := resolveFormat(FormatAuto, &bytes.Buffer{}); got != FormatJSON {
		t.Errorf("resolveFormat(auto, buffer) = %s, want json", got)
	}
	if got := resolveFormat(FormatConsole, &bytes.Buffer{}); got != FormatConsole {
		t.Errorf("resolveFormat(console, buffer) = %s, want console", got)
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("ignored")
	if log.With(F("a", 1)) != log {
		t.Error("expected nop With to return the same logger")
	}
}
