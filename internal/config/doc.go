// Package config handles configuration loading for coven-dispatch.
//
// # Configuration File
//
// The binary looks for its config in this order:
//
//  1. Path from the COVEN_DISPATCH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/dispatch.yaml
//  3. ~/.config/coven/dispatch.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML. Both
// use the same keys.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string. COVEN_DISPATCH_DB_PATH overrides
// database.path after parsing.
//
// # Durations
//
// Durations use time.ParseDuration syntax ("30s", "5m", "24h") and are
// stored as raw strings until Load parses them.
//
// # Sections
//
//	server:       http_addr, grpc_addr
//	tailscale:    enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:     path
//	routing:      weights{success,load,latency}, default_max_concurrent,
//	              default_timeout_seconds, default_max_retries, sweep_concurrency
//	maintenance:  enabled, route_pending, check_timeouts (cron specs),
//	              shared_secret, run_timeout
//	notifier:     webhooks_enabled, timeout, rate_limit, burst,
//	              breaker_failures, breaker_timeout, allow_private
//	idempotency:  ttl, max_entries
//	logging:      level (debug|info|warn|error), format (text|json)
//	metrics:      enabled, path
//	tracing:      enabled, exporter (stdout|noop)
//
// Template returns a commented starter file, used by `coven-dispatch init`.
package config
