// Package main provides the lexireport CLI entry point.
// lexireport runs the report analysis server and workers, and is the
// command-line client for submitting documents and reading their insights.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/lexireport/client"
	"github.com/otherjamesbrown/lexireport/cmd"
	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/buildinfo"
)

// Global flags and state.
var (
	cfgFile      string
	serverURL    string
	timeout      time.Duration
	outputFormat string

	// cfg holds the loaded configuration.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lexireport",
	Short: "lexireport - asynchronous report analysis",
	Long: `lexireport turns uploaded business reports into structured insights.

A submitted document runs through a graph of analysis stages (extraction,
summarization, classification, entity extraction, Q&A indexing and
narration). Every stage result is stored as an append-only, versioned
insight that can be read as soon as it exists.

The same binary runs the HTTP API ('serve'), standalone workers ('worker')
and the client commands below. Commands support --output json for
structured output.

COMMON WORKFLOWS:
  Analyze a document:  lexireport submit q3.pdf --wait
  Read results:        lexireport insights <report-id> --full
  Ask a question:      lexireport ask <report-id> "what drove revenue?"
  Operate:             lexireport queue depth  |  lexireport events

DISCOVERY:
  lexireport <command> --help   Subcommands, flags, and examples`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		switch c.Name() {
		case "help", "completion", "init":
			return nil
		case "version":
			if !versionAll {
				return nil
			}
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		applyFlagOverrides(loaded)
		cfg = loaded
		return nil
	},
}

// applyFlagOverrides applies global flags over the loaded configuration.
func applyFlagOverrides(c *config.Config) {
	if serverURL != "" {
		c.Client.ServerURL = serverURL
	}
	if timeout != 0 {
		c.Client.Timeout = timeout
	}
	if outputFormat != "" {
		c.Client.OutputFormat = config.OutputFormat(outputFormat)
	}
}

// loadConfig returns the configuration loaded by the root command. Commands
// receive it through their deps so they never read the file twice.
func loadConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(loaded)
	cfg = loaded
	return cfg, nil
}

// Version command flags.
var (
	versionAll  bool
	versionJSON bool
)

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of the lexireport CLI.

Use --all to also query the configured server.

Examples:
  lexireport version
  lexireport version --all
  lexireport version --all --json`,
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		info := buildinfo.Get("lexireport-cli")

		if !versionAll {
			if versionJSON {
				return encodeJSON(out, info)
			}
			fmt.Fprintf(out, "lexireport version %s\n", info.Version)
			fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  go:         %s\n", info.GoVersion)
			return nil
		}

		infos := []buildinfo.Info{info}
		server, err := fetchServerVersion(c.Context(), cfg.Client.ServerURL)
		if err != nil {
			server = buildinfo.Info{ServiceName: "lexireport-server", Version: "unreachable", Commit: "-", BuildTime: "-"}
		}
		infos = append(infos, server)

		if versionJSON {
			return encodeJSON(out, infos)
		}
		fmt.Fprintf(out, "%-20s %-12s %-10s %s\n", "COMPONENT", "VERSION", "COMMIT", "BUILT")
		for _, i := range infos {
			commit := i.Commit
			if len(commit) > 10 {
				commit = commit[:10]
			}
			fmt.Fprintf(out, "%-20s %-12s %-10s %s\n", i.ServiceName, i.Version, commit, i.BuildTime)
		}
		return nil
	},
}

func fetchServerVersion(ctx context.Context, baseURL string) (buildinfo.Info, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var info buildinfo.Info
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/version", nil)
	if err != nil {
		return info, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent("lexireport-cli"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("unexpected status %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&info)
	return info, err
}

// pingCmd checks the connection to the server.
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the connection to the lexireport server",
	Long: `Check that the configured server answers its liveness endpoint.

Examples:
  lexireport ping
  lexireport ping --server http://reports.internal:8080`,
	Args: cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		apiClient, err := client.New(cfg.Client.ServerURL, client.FromConfig(cfg.Client))
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		ctx, cancel := context.WithTimeout(c.Context(), cfg.Client.Timeout)
		defer cancel()

		out := c.OutOrStdout()
		start := time.Now()
		if err := apiClient.Health(ctx); err != nil {
			fmt.Fprintf(out, "Connection status: UNHEALTHY\n")
			fmt.Fprintf(out, "  Server:  %s\n", apiClient.ServerURL())
			fmt.Fprintf(out, "  Error:   %s\n", err)
			return fmt.Errorf("server unreachable")
		}
		fmt.Fprintf(out, "Connection status: HEALTHY\n")
		fmt.Fprintf(out, "  Server:  %s\n", apiClient.ServerURL())
		fmt.Fprintf(out, "  Latency: %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// configCmd manages CLI configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `View and modify the lexireport CLI configuration settings.`,
}

// configShowCmd displays current configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the effective configuration: defaults, then the config file,
then LEXIREPORT_* environment variables, then global flags.

With --output yaml the full configuration is printed.`,
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		switch cfg.Client.OutputFormat {
		case config.OutputFormatYAML:
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(redacted(cfg))
		case config.OutputFormatJSON:
			return encodeJSON(out, redacted(cfg))
		}

		configPath, _ := config.ConfigPath()
		if cfgFile != "" {
			configPath = cfgFile
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Config file:    %s\n", configPath)
		fmt.Fprintf(out, "  Server URL:     %s\n", cfg.Client.ServerURL)
		fmt.Fprintf(out, "  Timeout:        %s\n", cfg.Client.Timeout)
		fmt.Fprintf(out, "  Output format:  %s\n", cfg.Client.OutputFormat)
		fmt.Fprintf(out, "  Token:          %s\n", valueOrDefault(mask(cfg.Client.Token), "(not set)"))
		fmt.Fprintf(out, "  User ID:        %s\n", valueOrDefault(cfg.Client.UserID, "(not set)"))
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Storage:        %s\n", cfg.Storage)
		fmt.Fprintf(out, "  Queue:          %s\n", cfg.Queue.Backend)
		fmt.Fprintf(out, "  Blob store:     %s\n", cfg.Blob.Backend)
		fmt.Fprintf(out, "  Outbox:         %s\n", cfg.Notifications.Outbox)
		fmt.Fprintf(out, "  Workers:        %d\n", cfg.Workers.Count)
		fmt.Fprintf(out, "  Capabilities:   %d configured\n", len(cfg.Capabilities))
		return nil
	},
}

// redacted returns a copy of c with secrets masked.
func redacted(c *config.Config) *config.Config {
	cp := *c
	cp.Client.Token = mask(cp.Client.Token)
	cp.Database.Password = mask(cp.Database.Password)
	cp.Redis.Password = mask(cp.Redis.Password)
	if len(c.Server.Tokens) > 0 {
		cp.Server.Tokens = make(map[string]string, len(c.Server.Tokens))
		for tok, user := range c.Server.Tokens {
			cp.Server.Tokens[mask(tok)] = user
		}
	}
	return &cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// configInitCmd initializes configuration.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a configuration file with the default client settings if one doesn't exist.`,
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		configPath, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("getting config path: %w", err)
		}

		if _, err := os.Stat(configPath); err == nil {
			fmt.Fprintf(out, "Configuration file already exists: %s\n", configPath)
			fmt.Fprintln(out, "Use 'lexireport config show' to view current settings.")
			return nil
		}

		defaults := config.DefaultConfig()
		if err := config.SaveClientConfig(defaults.Client); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}

		fmt.Fprintf(out, "Created configuration file: %s\n", configPath)
		fmt.Fprintln(out, "\nDefault settings:")
		fmt.Fprintf(out, "  Server URL:     %s\n", defaults.Client.ServerURL)
		fmt.Fprintf(out, "  Timeout:        %s\n", defaults.Client.Timeout)
		fmt.Fprintf(out, "  Output format:  %s\n", defaults.Client.OutputFormat)
		return nil
	},
}

// configSetCmd sets a configuration value.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a client configuration value in the config file.

Available keys:
  server_url     - Base URL of the lexireport API
  timeout        - Request timeout (e.g., 30s, 1m)
  output_format  - Default output format (text, json, yaml)
  token          - Bearer token for the API
  user_id        - User id sent when the server runs without tokens

Examples:
  lexireport config set server_url http://reports.internal:8080
  lexireport config set timeout 1m
  lexireport config set output_format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		updated := cfg.Client
		if err := setClientValue(&updated, key, value); err != nil {
			return err
		}
		if err := config.SaveClientConfig(updated); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}

		if key == "token" {
			value = mask(value)
		}
		fmt.Fprintf(c.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

func setClientValue(c *config.ClientConfig, key, value string) error {
	switch key {
	case "server_url":
		c.ServerURL = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout value: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.Timeout = d
	case "output_format":
		format := config.OutputFormat(value)
		if !format.IsValid() {
			return fmt.Errorf("invalid output format: %s (must be text, json, or yaml)", value)
		}
		c.OutputFormat = format
	case "token":
		c.Token = value
	case "user_id":
		c.UserID = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for lexireport.

To load completions:

Bash:
  $ source <(lexireport completion bash)

Zsh:
  $ lexireport completion zsh > "${fpath[1]}/_lexireport"

Fish:
  $ lexireport completion fish | source

PowerShell:
  PS> lexireport completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.lexireport/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "lexireport API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout (e.g., 30s, 1m)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "default output format: text, json, yaml")

	rootCmd.AddGroup(
		&cobra.Group{ID: "reports", Title: "Reports:"},
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	// Reports
	reportDeps := &cmd.ReportCommandDeps{LoadConfig: loadConfig}
	for _, c := range []*cobra.Command{
		cmd.NewSubmitCommand(reportDeps),
		cmd.NewStatusCommand(reportDeps),
		cmd.NewInsightsCommand(reportDeps),
		cmd.NewAskCommand(reportDeps),
		cmd.NewRerunCommand(reportDeps),
		cmd.NewCancelCommand(reportDeps),
		cmd.NewStagesCommand(reportDeps),
	} {
		c.GroupID = "reports"
		rootCmd.AddCommand(c)
	}

	// Running
	serveDeps := &cmd.ServeCommandDeps{LoadConfig: loadConfig}
	for _, c := range []*cobra.Command{
		cmd.NewServeCommand(serveDeps),
		cmd.NewWorkerCommand(serveDeps),
	} {
		c.GroupID = "run"
		rootCmd.AddCommand(c)
	}

	// Operations
	queueDeps := cmd.DefaultQueueDeps()
	queueDeps.LoadConfig = loadConfig
	eventsDeps := cmd.DefaultEventsDeps()
	eventsDeps.LoadConfig = loadConfig
	dbDeps := cmd.DefaultDbDeps()
	dbDeps.LoadConfig = loadConfig
	for _, c := range []*cobra.Command{
		cmd.NewQueueCommand(queueDeps),
		cmd.NewEventsCommand(eventsDeps),
		cmd.NewDbCommand(dbDeps),
		pingCmd,
	} {
		c.GroupID = "ops"
		rootCmd.AddCommand(c)
	}

	// Setup
	for _, c := range []*cobra.Command{
		configCmd,
		cmd.NewCredentialsCommand(nil),
		completionCmd,
		versionCmd,
	} {
		c.GroupID = "setup"
		rootCmd.AddCommand(c)
	}

	versionCmd.Flags().BoolVar(&versionAll, "all", false, "Also query the server version")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
