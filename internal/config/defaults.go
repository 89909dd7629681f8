package config

import "time"

// ApplyDefaults fills zero-valued fields with the built-in defaults.
// It is called after YAML parsing and before validation.
func ApplyDefaults(cfg *Config) {
	// ── Listen ──
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8080
	}
	if cfg.Listen.MaxConnections == 0 {
		cfg.Listen.MaxConnections = 1000
	}
	if cfg.Listen.GlobalRateLimit == 0 {
		cfg.Listen.GlobalRateLimit = 5000
	}
	if cfg.Listen.MaxBodySize == 0 {
		cfg.Listen.MaxBodySize = 1048576 // 1MB
	}

	// ── Agents ──
	if cfg.Agents.Mode == "" {
		cfg.Agents.Mode = "header"
	}
	if cfg.Agents.Header == "" {
		cfg.Agents.Header = "X-Agent-ID"
	}
	if cfg.Agents.AnonymousID == "" {
		cfg.Agents.AnonymousID = "anonymous"
	}
	if cfg.Agents.JWT.ClockSkew.Duration == 0 {
		cfg.Agents.JWT.ClockSkew.Duration = 30 * time.Second
	}

	// ── Rate Limit ──
	// enabled defaults to false (zero value); the profiles turn it on.
	applyRateLimitDefaults(&cfg.RateLimit)

	// ── Capabilities ──
	if cfg.Capabilities.CacheTTL.Duration == 0 {
		cfg.Capabilities.CacheTTL.Duration = 30 * time.Second
	}

	// ── Approval ──
	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = "none"
	}
	if cfg.Approval.Timeout.Duration == 0 {
		cfg.Approval.Timeout.Duration = 60 * time.Second
	}

	// ── Storage ──
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		cfg.Storage.Path = "sentinel.db"
	}

	// ── Audit ──
	applyAuditDefaults(&cfg.Audit)

	// ── Upstream ──
	if cfg.Upstream.Timeout.Duration == 0 {
		cfg.Upstream.Timeout.Duration = 30 * time.Second
	}

	// ── Idempotency ──
	if cfg.Idempotency.Window.Duration == 0 {
		cfg.Idempotency.Window.Duration = 5 * time.Minute
	}
	if cfg.Idempotency.MaxEntries == 0 {
		cfg.Idempotency.MaxEntries = 10000
	}

	// ── Health ──
	if cfg.Health.LivenessPath == "" {
		cfg.Health.LivenessPath = "/healthz"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/readyz"
	}

	// ── Logging ──
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// ── Shutdown ──
	if cfg.Shutdown.Timeout.Duration == 0 {
		cfg.Shutdown.Timeout.Duration = 30 * time.Second
	}
	if cfg.Shutdown.DrainTimeout.Duration == 0 {
		cfg.Shutdown.DrainTimeout.Duration = 15 * time.Second
	}

	// ── Reload ──
	// An absent reload block means SIGHUP and file watching are both on.
	if !cfg.Reload.Enabled && !cfg.Reload.WatchFile && cfg.Reload.Debounce.Duration == 0 {
		cfg.Reload.Enabled = true
		cfg.Reload.WatchFile = true
	}
	if cfg.Reload.Debounce.Duration == 0 {
		cfg.Reload.Debounce.Duration = 2 * time.Second
	}
}

func applyRateLimitDefaults(rl *RateLimitConfig) {
	if rl.ToolCallsPerMinute == 0 {
		rl.ToolCallsPerMinute = 60
	}
	if rl.TokensPerMinute == 0 {
		rl.TokensPerMinute = 100000
	}
	if rl.MessagesPerMinute == 0 {
		rl.MessagesPerMinute = 120
	}
	if rl.BurstMultiplier == 0 {
		rl.BurstMultiplier = 1
	}
	if rl.FlushInterval.Duration == 0 {
		rl.FlushInterval.Duration = 10 * time.Second
	}
	if rl.CleanupInterval.Duration == 0 {
		rl.CleanupInterval.Duration = 10 * time.Minute
	}
}

func applyAuditDefaults(a *AuditConfig) {
	if len(a.Sinks) == 0 {
		a.Sinks = []string{"log"}
	}
	if a.SamplingRate == 0 {
		a.SamplingRate = 1.0
	}
	if a.ErrorSamplingRate == 0 {
		a.ErrorSamplingRate = 1.0
	}
	if a.BufferSize == 0 {
		a.BufferSize = 10000
	}
	if a.FlushInterval.Duration == 0 {
		a.FlushInterval.Duration = 250 * time.Millisecond
	}
}
