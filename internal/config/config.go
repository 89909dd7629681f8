// Package config handles YAML configuration parsing, defaults, and validation
// for the sentinel tool-call enforcement proxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for sentinel.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Agents       AgentsConfig       `yaml:"agents"`
	Admin        AdminConfig        `yaml:"admin"`
	Policy       PolicyConfig       `yaml:"policy"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Storage      StorageConfig      `yaml:"storage"`
	Audit        AuditConfig        `yaml:"audit"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Health       HealthConfig       `yaml:"health"`
	Logging      LoggingConfig      `yaml:"logging"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
	Reload       ReloadConfig       `yaml:"reload"`
}

// ListenConfig defines the listener address and connection limits.
type ListenConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	GRPCPort        int       `yaml:"grpc_port"`
	MaxConnections  int       `yaml:"max_connections"`
	GlobalRateLimit int       `yaml:"global_rate_limit"` // requests per minute, gateway-wide
	MaxBodySize     int64     `yaml:"max_body_size"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig holds optional TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AgentsConfig controls how a caller's agent identity is established.
type AgentsConfig struct {
	// Mode is "header" (trust the identity header) or "jwt" (verify a
	// bearer token and use its sub claim).
	Mode   string    `yaml:"mode"`
	Header string    `yaml:"header"` // default X-Agent-ID
	JWT    JWTConfig `yaml:"jwt"`
	// AllowAnonymous admits calls without identity as AnonymousID.
	AllowAnonymous bool   `yaml:"allow_anonymous"`
	AnonymousID    string `yaml:"anonymous_id"`
}

// JWTConfig holds bearer token validation parameters. Exactly one of
// Secret (HS256) or JWKSFile must be set.
type JWTConfig struct {
	Secret    string   `yaml:"secret"`
	JWKSFile  string   `yaml:"jwks_file"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// AdminConfig guards the /v1/admin API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// Subjects lists JWT subjects granted admin access when agents.mode is jwt.
	Subjects []string `yaml:"subjects"`
}

// PolicyConfig points at the policy document.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// RateLimitConfig sets per-agent token-bucket rates.
type RateLimitConfig struct {
	Enabled            bool     `yaml:"enabled"`
	ToolCallsPerMinute float64  `yaml:"tool_calls_per_minute"`
	TokensPerMinute    float64  `yaml:"tokens_per_minute"`
	MessagesPerMinute  float64  `yaml:"messages_per_minute"`
	BurstMultiplier    float64  `yaml:"burst_multiplier"`
	FlushInterval      Duration `yaml:"flush_interval"`
	CleanupInterval    Duration `yaml:"cleanup_interval"`
	MaxRefillWindow    Duration `yaml:"max_refill_window"` // zero: unbounded catch-up
}

// CapabilitiesConfig lists the tool categories that need a capability token.
type CapabilitiesConfig struct {
	Required []string `yaml:"required"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

// ApprovalConfig selects how approve decisions are resolved.
type ApprovalConfig struct {
	Mode    string        `yaml:"mode"` // none, queue, webhook
	Timeout Duration      `yaml:"timeout"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig is the approval webhook endpoint.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// StorageConfig selects the persistence backend for capabilities, rate-limit
// snapshots and stored audit records.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // memory, sqlite, postgres
	Path     string `yaml:"path"`   // sqlite database file
	DSN      string `yaml:"dsn"`    // postgres connection string
	PoolSize int    `yaml:"pool_size"`
}

// AuditConfig controls where audit records go and how they are sampled.
type AuditConfig struct {
	Sinks             []string `yaml:"sinks"` // log, sqlite
	SamplingRate      float64  `yaml:"sampling_rate"`
	ErrorSamplingRate float64  `yaml:"error_sampling_rate"`
	BufferSize        int      `yaml:"buffer_size"`
	FlushInterval     Duration `yaml:"flush_interval"`
}

// UpstreamConfig is the optional gateway allowed calls are forwarded to.
type UpstreamConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// IdempotencyConfig controls replay of decisions for repeated idempotency keys.
type IdempotencyConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Window     Duration `yaml:"window"`
	MaxEntries int      `yaml:"max_entries"`
}

// HealthConfig defines health check endpoint paths.
type HealthConfig struct {
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text, console
	Output string `yaml:"output"` // stdout, stderr
}

// ShutdownConfig defines graceful shutdown timeouts.
type ShutdownConfig struct {
	Timeout      Duration `yaml:"timeout"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// ReloadConfig controls config hot-reload behavior (SIGHUP and file watching).
type ReloadConfig struct {
	Enabled   bool     `yaml:"enabled"`
	WatchFile bool     `yaml:"watch_file"`
	Debounce  Duration `yaml:"debounce"` // default 2s
}

// Duration is a time.Duration that supports YAML string parsing (e.g., "60s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration, parsing strings like "60s" or "5m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Load reads, parses, applies defaults, and validates a configuration file.
// Relative file references (policy, storage, TLS, JWKS) resolve against the
// config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&cfg)
	resolvePaths(&cfg, filepath.Dir(path))

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func resolvePaths(cfg *Config, base string) {
	for _, p := range []*string{
		&cfg.Policy.File,
		&cfg.Storage.Path,
		&cfg.Listen.TLS.CertFile,
		&cfg.Listen.TLS.KeyFile,
		&cfg.Agents.JWT.JWKSFile,
	} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
