// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-dispatch/internal/matcher"
)

// DBPathEnv overrides database.path when set.
const DBPathEnv = "COVEN_DISPATCH_DB_PATH"

// Config represents the complete coven-dispatch configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Routing     RoutingConfig     `yaml:"routing" toml:"routing"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	Notifier    NotifierConfig    `yaml:"notifier" toml:"notifier"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // grpc.health.v1 only
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve the API over TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose the API publicly (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RoutingConfig tunes the matcher and task defaults
type RoutingConfig struct {
	Weights               matcher.Weights `yaml:"weights" toml:"weights"`
	DefaultMaxConcurrent  int             `yaml:"default_max_concurrent" toml:"default_max_concurrent"`
	DefaultTimeoutSeconds int             `yaml:"default_timeout_seconds" toml:"default_timeout_seconds"`
	DefaultMaxRetries     *int            `yaml:"default_max_retries" toml:"default_max_retries"`
	SweepConcurrency      int             `yaml:"sweep_concurrency" toml:"sweep_concurrency"`
}

// MaxRetries returns the configured default, or 2 when unset.
func (r RoutingConfig) MaxRetries() int {
	if r.DefaultMaxRetries == nil {
		return 2
	}
	return *r.DefaultMaxRetries
}

// MaintenanceConfig holds the background sweep schedules
type MaintenanceConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	RoutePending  string `yaml:"route_pending" toml:"route_pending"`   // cron spec, e.g. "@every 30s"
	CheckTimeouts string `yaml:"check_timeouts" toml:"check_timeouts"` // cron spec
	SharedSecret  string `yaml:"shared_secret" toml:"shared_secret"`   // bearer token for POST /api/maintenance

	RunTimeout    time.Duration `yaml:"-" toml:"-"`
	RunTimeoutRaw string        `yaml:"run_timeout" toml:"run_timeout"`
}

// NotifierConfig holds outbound webhook settings
type NotifierConfig struct {
	WebhooksEnabled bool    `yaml:"webhooks_enabled" toml:"webhooks_enabled"`
	RateLimit       float64 `yaml:"rate_limit" toml:"rate_limit"` // deliveries per second
	Burst           int     `yaml:"burst" toml:"burst"`
	BreakerFailures uint32  `yaml:"breaker_failures" toml:"breaker_failures"`
	AllowPrivate    bool    `yaml:"allow_private" toml:"allow_private"`

	Timeout           time.Duration `yaml:"-" toml:"-"`
	BreakerTimeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw        string        `yaml:"timeout" toml:"timeout"`
	BreakerTimeoutRaw string        `yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// IdempotencyConfig holds the submission dedupe cache settings
type IdempotencyConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"` // stdout or noop
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text, applies defaults and environment
// overrides, and validates the result.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv(DBPathEnv); p != "" {
		cfg.Database.Path = p
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Routing.Weights == (matcher.Weights{}) {
		c.Routing.Weights = matcher.DefaultWeights
	}
	if c.Routing.DefaultMaxConcurrent == 0 {
		c.Routing.DefaultMaxConcurrent = 3
	}
	if c.Routing.DefaultTimeoutSeconds == 0 {
		c.Routing.DefaultTimeoutSeconds = 3600
	}
	if c.Routing.SweepConcurrency == 0 {
		c.Routing.SweepConcurrency = 4
	}
	if c.Maintenance.RunTimeout == 0 {
		c.Maintenance.RunTimeout = time.Minute
	}
	if c.Notifier.Timeout == 0 {
		c.Notifier.Timeout = 10 * time.Second
	}
	if c.Notifier.RateLimit == 0 {
		c.Notifier.RateLimit = 10
	}
	if c.Notifier.Burst == 0 {
		c.Notifier.Burst = 20
	}
	if c.Notifier.BreakerFailures == 0 {
		c.Notifier.BreakerFailures = 5
	}
	if c.Notifier.BreakerTimeout == 0 {
		c.Notifier.BreakerTimeout = 30 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.MaxEntries == 0 {
		c.Idempotency.MaxEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	w := c.Routing.Weights
	if w.Success < 0 || w.Load < 0 || w.Latency < 0 {
		return fmt.Errorf("routing.weights must not be negative")
	}
	if c.Routing.DefaultMaxConcurrent < 1 {
		return fmt.Errorf("routing.default_max_concurrent must be at least 1")
	}
	if c.Routing.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("routing.default_timeout_seconds must be at least 1")
	}
	if c.Routing.MaxRetries() < 0 {
		return fmt.Errorf("routing.default_max_retries must not be negative")
	}
	if c.Routing.SweepConcurrency < 1 {
		return fmt.Errorf("routing.sweep_concurrency must be at least 1")
	}

	if c.Maintenance.Enabled && c.Maintenance.RoutePending == "" && c.Maintenance.CheckTimeouts == "" {
		return fmt.Errorf("maintenance.enabled requires route_pending or check_timeouts")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Tracing.Exporter {
	case "stdout", "noop":
	default:
		return fmt.Errorf("tracing.exporter must be stdout or noop, got %q", c.Tracing.Exporter)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"maintenance.run_timeout", cfg.Maintenance.RunTimeoutRaw, &cfg.Maintenance.RunTimeout},
		{"notifier.timeout", cfg.Notifier.TimeoutRaw, &cfg.Notifier.Timeout},
		{"notifier.breaker_timeout", cfg.Notifier.BreakerTimeoutRaw, &cfg.Notifier.BreakerTimeout},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// Template returns a starter YAML config using dbPath for the database.
func Template(dbPath string) string {
	return fmt.Sprintf(`# coven-dispatch configuration

server:
  http_addr: "127.0.0.1:8090"
  grpc_addr: "127.0.0.1:50061"

database:
  path: %q

routing:
  weights:
    success: 0.5
    load: 0.3
    latency: 0.2
  default_max_concurrent: 3
  default_timeout_seconds: 3600
  default_max_retries: 2
  sweep_concurrency: 4

maintenance:
  enabled: true
  route_pending: "@every 30s"
  check_timeouts: "@every 1m"
  shared_secret: "${COVEN_DISPATCH_SECRET}"

notifier:
  webhooks_enabled: false
  timeout: "10s"
  rate_limit: 10
  breaker_failures: 5
  allow_private: false

idempotency:
  ttl: "24h"
  max_entries: 10000

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"

tracing:
  enabled: false
  exporter: "stdout"
`, dbPath)
}
