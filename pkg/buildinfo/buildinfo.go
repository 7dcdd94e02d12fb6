// Package buildinfo exposes version metadata stamped in at link time.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Set with -ldflags, for example:
//
//	-X github.com/otherjamesbrown/lexireport/pkg/buildinfo.Version=v0.3.0
//	-X github.com/otherjamesbrown/lexireport/pkg/buildinfo.Commit=1f3c2ab
//	-X github.com/otherjamesbrown/lexireport/pkg/buildinfo.BuildTime=2026-10-01T09:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds build information for one lexireport component.
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
}

// Get returns build info for the named component.
func Get(serviceName string) Info {
	return Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
}

// String returns a one-liner like "v0.3.0 (1f3c2ab, 2026-10-01T09:00:00Z)".
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// UserAgent is the User-Agent the CLI sends to the API.
func UserAgent(component string) string {
	return component + "/" + Version
}

// Handler serves Get(serviceName) as JSON. The API mounts it at /version.
func Handler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(serviceName))
	}
}
