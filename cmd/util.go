package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/lexireport/client"
	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// connectToRedis establishes a Redis connection from the redis section.
func connectToRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	return rdb, nil
}

// newAPIClient creates an HTTP client for the configured server.
func newAPIClient(cfg *config.Config) (*client.Client, error) {
	c, err := client.New(cfg.Client.ServerURL, client.FromConfig(cfg.Client))
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return c, nil
}

// resolveFormat picks the per-command flag when set, else the configured default.
func resolveFormat(cfg *config.Config, flag string) (config.OutputFormat, error) {
	format := cfg.Client.OutputFormat
	if flag != "" {
		format = config.OutputFormat(flag)
	}
	if format == "" {
		format = config.DefaultOutputFormat
	}
	if !format.IsValid() {
		return "", fmt.Errorf("invalid output format %q (use text, json or yaml)", format)
	}
	return format, nil
}

// writeOutput renders v as JSON or YAML, or calls text for the human format.
func writeOutput(w io.Writer, format config.OutputFormat, v interface{}, text func(io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		// Round-trip through JSON so json tags and raw insight content
		// render as plain YAML.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return text(w)
	}
}

// detectKind guesses the document kind from a file extension.
func detectKind(name string) (analysis.DocumentKind, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return analysis.KindPDF, nil
	case ".xlsx", ".xlsm", ".csv":
		return analysis.KindExcel, nil
	case ".txt", ".md", ".json":
		return analysis.KindText, nil
	case ".pbix":
		return analysis.KindPowerBI, nil
	case ".twb", ".twbx":
		return analysis.KindTableau, nil
	default:
		return "", fmt.Errorf("cannot infer kind of %s, pass --kind", name)
	}
}

// truncate shortens s to maxLen runes with a trailing ellipsis.
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// formatAge renders the time since t as a compact duration.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
