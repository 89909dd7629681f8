package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Validate checks the configuration for errors. It collects ALL errors
// rather than stopping at the first one, returning them as a joined message.
func Validate(cfg *Config) error {
	var errs []string

	// ── Ports ──
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 1-65535 (got %d)", cfg.Listen.Port))
	}
	if cfg.Listen.GRPCPort != 0 && (cfg.Listen.GRPCPort < 1 || cfg.Listen.GRPCPort > 65535) {
		errs = append(errs, fmt.Sprintf("listen.grpc_port must be 0 (disabled) or 1-65535 (got %d)", cfg.Listen.GRPCPort))
	}
	if cfg.Listen.GRPCPort != 0 && cfg.Listen.GRPCPort == cfg.Listen.Port {
		errs = append(errs, fmt.Sprintf("listen.grpc_port must differ from listen.port (both %d)", cfg.Listen.GRPCPort))
	}

	// ── Connection limits ──
	if cfg.Listen.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_connections must be positive (got %d)", cfg.Listen.MaxConnections))
	}
	if cfg.Listen.GlobalRateLimit < 1 {
		errs = append(errs, fmt.Sprintf("listen.global_rate_limit must be positive (got %d)", cfg.Listen.GlobalRateLimit))
	}
	if cfg.Listen.MaxBodySize < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_body_size must be positive (got %d)", cfg.Listen.MaxBodySize))
	}

	// ── TLS files ──
	if (cfg.Listen.TLS.CertFile == "") != (cfg.Listen.TLS.KeyFile == "") {
		errs = append(errs, "listen.tls.cert_file and listen.tls.key_file must be set together")
	}
	errs = appendStatErr(errs, "listen.tls.cert_file", cfg.Listen.TLS.CertFile)
	errs = appendStatErr(errs, "listen.tls.key_file", cfg.Listen.TLS.KeyFile)

	// ── Agent identity ──
	switch cfg.Agents.Mode {
	case "header":
	case "jwt":
		jwt := cfg.Agents.JWT
		if (jwt.Secret == "") == (jwt.JWKSFile == "") {
			errs = append(errs, "agents.jwt: exactly one of secret or jwks_file is required in jwt mode")
		}
		errs = appendStatErr(errs, "agents.jwt.jwks_file", jwt.JWKSFile)
	default:
		errs = append(errs, fmt.Sprintf("agents.mode must be one of: header, jwt (got %q)", cfg.Agents.Mode))
	}

	// ── Admin ──
	if cfg.Admin.Enabled && cfg.Admin.Token == "" && len(cfg.Admin.Subjects) == 0 {
		errs = append(errs, "admin: token or subjects is required when enabled")
	}
	if len(cfg.Admin.Subjects) > 0 && cfg.Agents.Mode != "jwt" {
		errs = append(errs, "admin.subjects requires agents.mode jwt")
	}

	// ── Policy ──
	if cfg.Policy.File == "" {
		errs = append(errs, "policy.file is required")
	} else {
		errs = appendStatErr(errs, "policy.file", cfg.Policy.File)
	}

	// ── Rate limit ──
	rl := cfg.RateLimit
	if rl.ToolCallsPerMinute < 0 || rl.TokensPerMinute < 0 || rl.MessagesPerMinute < 0 {
		errs = append(errs, "rate_limit: per-minute rates must not be negative")
	}
	if rl.BurstMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.burst_multiplier must be at least 1 (got %g)", rl.BurstMultiplier))
	}
	if rl.FlushInterval.Duration < 0 || rl.CleanupInterval.Duration < 0 || rl.MaxRefillWindow.Duration < 0 {
		errs = append(errs, "rate_limit: intervals must not be negative")
	}

	// ── Capabilities ──
	for i, c := range cfg.Capabilities.Required {
		if !isValidCategory(c) {
			errs = append(errs, fmt.Sprintf("capabilities.required[%d] must be one of: file, network, shell, secret (got %q)", i, c))
		}
	}
	if cfg.Capabilities.CacheTTL.Duration < 0 {
		errs = append(errs, "capabilities.cache_ttl must not be negative")
	}

	// ── Approval ──
	switch cfg.Approval.Mode {
	case "none", "queue":
	case "webhook":
		if u, err := url.Parse(cfg.Approval.Webhook.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("approval.webhook.url must be an http(s) URL (got %q)", cfg.Approval.Webhook.URL))
		}
	default:
		errs = append(errs, fmt.Sprintf("approval.mode must be one of: none, queue, webhook (got %q)", cfg.Approval.Mode))
	}
	if cfg.Approval.Timeout.Duration < 0 {
		errs = append(errs, "approval.timeout must be positive")
	}

	// ── Storage ──
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver must be one of: memory, sqlite, postgres (got %q)", cfg.Storage.Driver))
	}
	if cfg.Storage.PoolSize < 0 {
		errs = append(errs, fmt.Sprintf("storage.pool_size must not be negative (got %d)", cfg.Storage.PoolSize))
	}

	// ── Audit ──
	for i, s := range cfg.Audit.Sinks {
		switch s {
		case "log":
		case "sqlite":
			if cfg.Storage.Driver != "sqlite" {
				errs = append(errs, "audit.sinks: the sqlite sink requires storage.driver sqlite")
			}
		default:
			errs = append(errs, fmt.Sprintf("audit.sinks[%d] must be one of: log, sqlite (got %q)", i, s))
		}
	}
	if cfg.Audit.SamplingRate < 0 || cfg.Audit.SamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf("audit.sampling_rate must be between 0.0 and 1.0 (got %f)", cfg.Audit.SamplingRate))
	}
	if cfg.Audit.ErrorSamplingRate < 0 || cfg.Audit.ErrorSamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf("audit.error_sampling_rate must be between 0.0 and 1.0 (got %f)", cfg.Audit.ErrorSamplingRate))
	}
	if cfg.Audit.BufferSize < 1 {
		errs = append(errs, fmt.Sprintf("audit.buffer_size must be positive (got %d)", cfg.Audit.BufferSize))
	}

	// ── Upstream ──
	if cfg.Upstream.URL != "" {
		if u, err := url.Parse(cfg.Upstream.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("upstream.url must be an http(s) URL (got %q)", cfg.Upstream.URL))
		}
	}
	if cfg.Upstream.Timeout.Duration < 0 {
		errs = append(errs, "upstream.timeout must be positive")
	}

	// ── Idempotency ──
	if cfg.Idempotency.Window.Duration < 0 {
		errs = append(errs, "idempotency.window must be positive")
	}
	if cfg.Idempotency.MaxEntries < 1 {
		errs = append(errs, fmt.Sprintf("idempotency.max_entries must be positive (got %d)", cfg.Idempotency.MaxEntries))
	}

	// ── Logging ──
	if !isValidLogLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level))
	}
	if !isValidLogFormat(cfg.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format must be one of: json, text, console (got %q)", cfg.Logging.Format))
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		errs = append(errs, fmt.Sprintf("logging.output must be one of: stdout, stderr (got %q)", cfg.Logging.Output))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func appendStatErr(errs []string, field, path string) []string {
	if path == "" {
		return errs
	}
	if _, err := os.Stat(path); err != nil {
		return append(errs, fmt.Sprintf("%s: %v", field, err))
	}
	return errs
}

func isValidCategory(c string) bool {
	switch c {
	case "file", "network", "shell", "secret":
		return true
	}
	return false
}

func isValidLogLevel(l string) bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(f string) bool {
	switch f {
	case "json", "text", "console":
		return true
	}
	return false
}
