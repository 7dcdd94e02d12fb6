package buildinfo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
)

func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuilt := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuilt
	})
	Version, Commit, BuildTime = version, commit, built
}

func TestGet_Defaults(t *testing.T) {
	info := Get("lexireport-server")

	if info.ServiceName != "lexireport-server" {
		t.Errorf("ServiceName = %q", info.ServiceName)
	}
	if info.Version != "dev" || info.Commit != "unknown" || info.BuildTime != "unknown" {
		t.Errorf("unexpected defaults: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestString(t *testing.T) {
	if got := String(); got != "dev (unknown, unknown)" {
		t.Errorf("String() = %q", got)
	}

	stamp(t, "v0.3.0", "1f3c2ab", "2026-10-01T09:00:00Z")
	if got := String(); got != "v0.3.0 (1f3c2ab, 2026-10-01T09:00:00Z)" {
		t.Errorf("String() = %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	stamp(t, "v0.3.0", "x", "y")
	if got := UserAgent("lexireport-cli"); got != "lexireport-cli/v0.3.0" {
		t.Errorf("UserAgent() = %q", got)
	}
}

func TestHandler(t *testing.T) {
	stamp(t, "v0.3.0", "1f3c2ab", "2026-10-01T09:00:00Z")

	rec := httptest.NewRecorder()
	Handler("lexireport-worker")(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var decoded map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]string{
		"service_name": "lexireport-worker",
		"version":      "v0.3.0",
		"commit":       "1f3c2ab",
		"build_time":   "2026-10-01T09:00:00Z",
		"go_version":   runtime.Version(),
	}
	for k, v := range want {
		if decoded[k] != v {
			t.Errorf("%s = %q, want %q", k, decoded[k], v)
		}
	}
	if len(decoded) != len(want) {
		t.Errorf("got %d keys, want %d", len(decoded), len(want))
	}
}
