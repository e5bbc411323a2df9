// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8090"
  grpc_addr: "0.0.0.0:50061"

database:
  path: "./test.db"

routing:
  weights:
    success: 0.6
    load: 0.3
    latency: 0.1
  default_max_concurrent: 5
  default_timeout_seconds: 120
  default_max_retries: 0
  sweep_concurrency: 8

maintenance:
  enabled: true
  route_pending: "@every 30s"
  check_timeouts: "*/5 * * * *"
  shared_secret: "s3cret"
  run_timeout: "45s"

notifier:
  webhooks_enabled: true
  timeout: "5s"
  rate_limit: 2.5
  burst: 4
  breaker_failures: 3
  breaker_timeout: "1m"
  allow_private: true

idempotency:
  ttl: "1h"
  max_entries: 50

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"

tracing:
  enabled: true
  exporter: "noop"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8090")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50061" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50061")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if cfg.Routing.Weights.Success != 0.6 || cfg.Routing.Weights.Latency != 0.1 {
		t.Errorf("Routing.Weights = %+v", cfg.Routing.Weights)
	}
	if cfg.Routing.DefaultMaxConcurrent != 5 {
		t.Errorf("Routing.DefaultMaxConcurrent = %d, want 5", cfg.Routing.DefaultMaxConcurrent)
	}
	if cfg.Routing.MaxRetries() != 0 {
		t.Errorf("Routing.MaxRetries() = %d, want 0 (explicit zero is kept)", cfg.Routing.MaxRetries())
	}
	if cfg.Routing.SweepConcurrency != 8 {
		t.Errorf("Routing.SweepConcurrency = %d, want 8", cfg.Routing.SweepConcurrency)
	}

	if !cfg.Maintenance.Enabled || cfg.Maintenance.SharedSecret != "s3cret" {
		t.Errorf("Maintenance = %+v", cfg.Maintenance)
	}
	if cfg.Maintenance.RunTimeout != 45*time.Second {
		t.Errorf("Maintenance.RunTimeout = %v, want 45s", cfg.Maintenance.RunTimeout)
	}

	if cfg.Notifier.Timeout != 5*time.Second {
		t.Errorf("Notifier.Timeout = %v, want 5s", cfg.Notifier.Timeout)
	}
	if cfg.Notifier.BreakerTimeout != time.Minute {
		t.Errorf("Notifier.BreakerTimeout = %v, want 1m", cfg.Notifier.BreakerTimeout)
	}
	if cfg.Notifier.RateLimit != 2.5 || cfg.Notifier.Burst != 4 || cfg.Notifier.BreakerFailures != 3 {
		t.Errorf("Notifier = %+v", cfg.Notifier)
	}
	if !cfg.Notifier.AllowPrivate {
		t.Error("Notifier.AllowPrivate = false, want true")
	}

	if cfg.Idempotency.TTL != time.Hour || cfg.Idempotency.MaxEntries != 50 {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics.Path = %q, want /prom", cfg.Metrics.Path)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "noop" {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8090"
database:
  path: "dispatch.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Routing.Weights.Success != 0.5 || cfg.Routing.Weights.Load != 0.3 || cfg.Routing.Weights.Latency != 0.2 {
		t.Errorf("default weights = %+v", cfg.Routing.Weights)
	}
	if cfg.Routing.DefaultMaxConcurrent != 3 {
		t.Errorf("DefaultMaxConcurrent = %d, want 3", cfg.Routing.DefaultMaxConcurrent)
	}
	if cfg.Routing.DefaultTimeoutSeconds != 3600 {
		t.Errorf("DefaultTimeoutSeconds = %d, want 3600", cfg.Routing.DefaultTimeoutSeconds)
	}
	if cfg.Routing.MaxRetries() != 2 {
		t.Errorf("MaxRetries() = %d, want 2", cfg.Routing.MaxRetries())
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("Idempotency.TTL = %v, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "dispatch.db"

[routing]
default_max_retries = 4

[routing.weights]
success = 0.7
load = 0.2
latency = 0.1

[notifier]
timeout = "3s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Routing.Weights.Success != 0.7 {
		t.Errorf("Routing.Weights.Success = %v, want 0.7", cfg.Routing.Weights.Success)
	}
	if cfg.Routing.MaxRetries() != 4 {
		t.Errorf("MaxRetries() = %d, want 4", cfg.Routing.MaxRetries())
	}
	if cfg.Notifier.Timeout != 3*time.Second {
		t.Errorf("Notifier.Timeout = %v, want 3s", cfg.Notifier.Timeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DISPATCH_SECRET", "from-env")
	t.Setenv("TEST_DISPATCH_ADDR", "127.0.0.1:7777")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "${TEST_DISPATCH_ADDR}"
database:
  path: "dispatch.db"
maintenance:
  shared_secret: "${TEST_DISPATCH_SECRET}"
  route_pending: "${TEST_DISPATCH_UNSET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7777" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Maintenance.SharedSecret != "from-env" {
		t.Errorf("Maintenance.SharedSecret = %q, want from-env", cfg.Maintenance.SharedSecret)
	}
	if cfg.Maintenance.RoutePending != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Maintenance.RoutePending)
	}
}

func TestLoad_DBPathOverride(t *testing.T) {
	t.Setenv(DBPathEnv, "/tmp/override.db")
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8090"
database:
  path: "dispatch.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: x.db\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database",
			content: "server:\n  http_addr: \":8090\"\n",
			wantErr: "database.path",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x.db\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: \":8090\"\ndatabase:\n  path: x.db\nnotifier:\n  timeout: \"soon\"\n",
			wantErr: "notifier.timeout",
		},
		{
			name:    "negative weight",
			content: "server:\n  http_addr: \":8090\"\ndatabase:\n  path: x.db\nrouting:\n  weights:\n    success: -1\n",
			wantErr: "weights",
		},
		{
			name:    "negative retries",
			content: "server:\n  http_addr: \":8090\"\ndatabase:\n  path: x.db\nrouting:\n  default_max_retries: -1\n",
			wantErr: "default_max_retries",
		},
		{
			name:    "maintenance without schedules",
			content: "server:\n  http_addr: \":8090\"\ndatabase:\n  path: x.db\nmaintenance:\n  enabled: true\n",
			wantErr: "maintenance",
		},
		{
			name:    "bad log level",
			content: "server:\n  http_addr: \":8090\"\ndatabase:\n  path: x.db\nlogging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad exporter",
			content: "server:\n  http_addr: \":8090\"\ndatabase:\n  path: x.db\ntracing:\n  exporter: jaeger\n",
			wantErr: "tracing.exporter",
		},
		{
			name:    "invalid yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestTemplate_Parses(t *testing.T) {
	t.Setenv("COVEN_DISPATCH_SECRET", "abc")
	cfg, err := Parse(expandEnvVars(Template("/var/lib/coven/dispatch.db")), false)
	if err != nil {
		t.Fatalf("Template does not parse: %v", err)
	}
	if cfg.Database.Path != "/var/lib/coven/dispatch.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Maintenance.SharedSecret != "abc" {
		t.Errorf("Maintenance.SharedSecret = %q, want abc", cfg.Maintenance.SharedSecret)
	}
}
