// Package config provides configuration management for the lexireport server,
// worker and command-line client. It supports loading configuration from YAML
// files, environment variables, and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/queues"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/retry"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/workers"
	"github.com/otherjamesbrown/lexireport/pkg/blob"
	"github.com/otherjamesbrown/lexireport/pkg/capabilities"
	"github.com/otherjamesbrown/lexireport/pkg/db"
	"github.com/otherjamesbrown/lexireport/pkg/notify"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Backend names accepted by the storage, queue, blob and outbox sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendS3       = "s3"
)

// Default configuration values.
const (
	DefaultServerURL      = "http://localhost:8080"
	DefaultListenAddr     = ":8080"
	DefaultTimeout        = 30 * time.Second
	DefaultOutputFormat   = OutputFormatText
	DefaultConfigDir      = ".lexireport"
	DefaultConfigFile     = "config.yaml"
	DefaultRedisAddr      = "localhost:6379"
	DefaultBlobDir        = "blobs"
	DefaultChannelPrefix  = "lexireport:events:"
	DefaultMaxUploadBytes = 50 << 20
	DefaultAskTimeout     = 30 * time.Second
)

// ClientConfig holds the settings the CLI uses to reach a lexireport server.
type ClientConfig struct {
	// ServerURL is the base URL of the HTTP API.
	ServerURL string `yaml:"server_url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token,omitempty"`

	// UserID is sent as X-User-Id when the server runs without tokens.
	UserID string `yaml:"user_id,omitempty"`

	// Timeout is the default timeout for API requests.
	Timeout time.Duration `yaml:"timeout"`

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat `yaml:"output_format"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// Tokens maps bearer tokens to user IDs. Empty means X-User-Id is trusted.
	Tokens map[string]string `yaml:"tokens,omitempty"`

	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	AskTimeout     time.Duration `yaml:"ask_timeout"`
}

// DatabaseConfig holds PostgreSQL settings. Password is usually supplied
// through LEXIREPORT_DB_PASSWORD rather than the file.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
	// URL replaces the fields above when set.
	URL string `yaml:"url,omitempty"`
}

// DB converts the section to a pool configuration, keeping the pool defaults
// for anything not set.
func (d DatabaseConfig) DB() *db.Config {
	cfg := db.DefaultConfig()
	cfg.URL = d.URL
	if d.Host != "" {
		cfg.Host = d.Host
	}
	if d.Port != 0 {
		cfg.Port = d.Port
	}
	if d.Database != "" {
		cfg.Database = d.Database
	}
	if d.User != "" {
		cfg.User = d.User
	}
	if d.Password != "" {
		cfg.Password = d.Password
	}
	if d.SSLMode != "" {
		cfg.SSLMode = d.SSLMode
	}
	if d.MaxConns > 0 {
		cfg.MaxConns = d.MaxConns
	}
	if d.MinConns > 0 {
		cfg.MinConns = d.MinConns
	}
	return db.ApplyEnv(cfg)
}

// RedisConfig holds the Redis connection used by the queue and the outbox.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend       string `yaml:"backend"`
	queues.Config `yaml:",inline"`
}

// RetryConfig mirrors retry.Policy for YAML.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// Policy builds a retry policy from the section.
func (r RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// BlobConfig selects where uploaded documents and generated assets live.
type BlobConfig struct {
	Backend string        `yaml:"backend"`
	Dir     string        `yaml:"dir,omitempty"`
	S3      blob.S3Config `yaml:"s3,omitempty"`
}

// NotificationsConfig configures the outbox and its subscribers.
type NotificationsConfig struct {
	// Outbox is memory or redis.
	Outbox   string                 `yaml:"outbox"`
	Stream   notify.StreamConfig    `yaml:"stream"`
	Webhooks []notify.WebhookConfig `yaml:"webhooks,omitempty"`

	// Publish fans events out over Redis pub/sub under ChannelPrefix.
	Publish       bool   `yaml:"publish"`
	ChannelPrefix string `yaml:"channel_prefix"`

	// Log writes every event to the service log.
	Log bool `yaml:"log"`
}

// PipelinesConfig points at an optional stage graph file.
type PipelinesConfig struct {
	File string `yaml:"file,omitempty"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full lexireport configuration.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`

	// Storage is memory or postgres.
	Storage  string         `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	Queue   QueueConfig    `yaml:"queue"`
	Retry   RetryConfig    `yaml:"retry"`
	Workers workers.Config `yaml:"workers"`

	Capabilities map[analysis.Capability]capabilities.Spec `yaml:"capabilities,omitempty"`
	Pipelines    PipelinesConfig                           `yaml:"pipelines"`

	Blob          BlobConfig          `yaml:"blob"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DefaultConfig returns a Config with default values. The defaults run the
// whole pipeline in memory with the local extractor as the only adapter.
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Client: ClientConfig{
			ServerURL:    DefaultServerURL,
			Timeout:      DefaultTimeout,
			OutputFormat: DefaultOutputFormat,
		},
		Server: ServerConfig{
			Addr:           DefaultListenAddr,
			MaxUploadBytes: DefaultMaxUploadBytes,
			AskTimeout:     DefaultAskTimeout,
		},
		Storage: BackendMemory,
		Redis:   RedisConfig{Addr: DefaultRedisAddr},
		Queue: QueueConfig{
			Backend: BackendMemory,
			Config:  queues.DefaultConfig(),
		},
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Jitter:      policy.Jitter,
		},
		Workers: workers.DefaultConfig(),
		Capabilities: map[analysis.Capability]capabilities.Spec{
			analysis.CapabilityExtraction: {Type: capabilities.TypeLocal},
		},
		Blob: BlobConfig{Backend: BackendLocal},
		Notifications: NotificationsConfig{
			Outbox:        BackendMemory,
			Stream:        notify.DefaultStreamConfig(),
			ChannelPrefix: DefaultChannelPrefix,
			Log:           true,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// ConfigDir returns the configuration directory path.
// Uses $LEXIREPORT_CONFIG_DIR if set, otherwise ~/.lexireport
func ConfigDir() (string, error) {
	if dir := os.Getenv("LEXIREPORT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// Load loads the configuration from file and environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (path, or ~/.lexireport/config.yaml when path is empty)
// 3. Environment variables (LEXIREPORT_*)
//
// An explicit path that does not exist is an error; a missing default file
// is not.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromFile decodes a YAML file over the defaults already in cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Blob.Dir = ExpandPath(cfg.Blob.Dir)
	cfg.Pipelines.File = ExpandPath(cfg.Pipelines.File)
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
// Database variables (LEXIREPORT_DB_*) are applied later by DatabaseConfig.DB.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("LEXIREPORT_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("LEXIREPORT_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
	if v := os.Getenv("LEXIREPORT_USER"); v != "" {
		cfg.Client.UserID = v
	}
	if v := os.Getenv("LEXIREPORT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing LEXIREPORT_TIMEOUT: %w", err)
		}
		cfg.Client.Timeout = d
	}
	if v := os.Getenv("LEXIREPORT_OUTPUT_FORMAT"); v != "" {
		cfg.Client.OutputFormat = OutputFormat(v)
	}

	if v := os.Getenv("LEXIREPORT_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LEXIREPORT_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("LEXIREPORT_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("LEXIREPORT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LEXIREPORT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LEXIREPORT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing LEXIREPORT_WORKERS: %w", err)
		}
		cfg.Workers.Count = n
	}
	if v := os.Getenv("LEXIREPORT_BLOB_BACKEND"); v != "" {
		cfg.Blob.Backend = v
	}
	if v := os.Getenv("LEXIREPORT_BLOB_DIR"); v != "" {
		cfg.Blob.Dir = ExpandPath(v)
	}
	if v := os.Getenv("LEXIREPORT_S3_BUCKET"); v != "" {
		cfg.Blob.S3.Bucket = v
	}
	if v := os.Getenv("LEXIREPORT_PIPELINES_FILE"); v != "" {
		cfg.Pipelines.File = ExpandPath(v)
	}
	if v := os.Getenv("LEXIREPORT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LEXIREPORT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	if !c.Client.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.Client.OutputFormat)
	}

	if err := oneOf("storage", c.Storage, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("blob.backend", c.Blob.Backend, BackendMemory, BackendLocal, BackendS3); err != nil {
		return err
	}
	if err := oneOf("notifications.outbox", c.Notifications.Outbox, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Blob.Backend == BackendS3 && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
	}
	if c.Queue.Backend == BackendRedis || c.Notifications.Outbox == BackendRedis || c.Notifications.Publish {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must not be negative")
	}
	if c.Lease() <= c.StageTimeout() {
		return fmt.Errorf("queue.visibility_timeout (%s) must exceed workers.stage_timeout (%s)", c.Lease(), c.StageTimeout())
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes must not be negative")
	}

	for name, spec := range c.Capabilities {
		switch spec.Type {
		case capabilities.TypeHTTP, capabilities.TypeGRPC:
			if spec.Endpoint == "" {
				return fmt.Errorf("capabilities.%s: endpoint is required for %s", name, spec.Type)
			}
		case capabilities.TypeLocal, capabilities.TypeStatic:
		default:
			return fmt.Errorf("capabilities.%s: unknown type %q", name, spec.Type)
		}
	}
	return nil
}

// Lease is how long a worker holds a claimed job: the queue visibility
// timeout, or its default when unset.
func (c *Config) Lease() time.Duration {
	if c.Queue.VisibilityTimeout > 0 {
		return c.Queue.VisibilityTimeout
	}
	return queues.DefaultConfig().VisibilityTimeout
}

// StageTimeout is the worker stage timeout, or its default when unset.
func (c *Config) StageTimeout() time.Duration {
	if c.Workers.StageTimeout > 0 {
		return c.Workers.StageTimeout
	}
	return workers.DefaultStageTimeout
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of %s)", field, value, strings.Join(allowed, ", "))
}

// BlobDir returns the local blob directory, defaulting to a directory under
// the config dir.
func (c *Config) BlobDir() (string, error) {
	if c.Blob.Dir != "" {
		return c.Blob.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultBlobDir), nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SaveClientConfig writes the client section to the default config file,
// preserving every other section already present.
func SaveClientConfig(client ClientConfig) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	configPath := filepath.Join(configDir, DefaultConfigFile)

	doc := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing existing config: %w", err)
		}
	}
	doc["client"] = client

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
