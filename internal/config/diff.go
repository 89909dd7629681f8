package config

import (
	"reflect"
)

// Change describes a single configuration field that differs between two configs.
type Change struct {
	Field      string      // dot-separated field path (e.g., "audit.sampling_rate")
	OldValue   interface{} // previous value
	NewValue   interface{} // new value
	Reloadable bool        // whether this change can be applied without restart
}

// Diff compares two Config values and returns a list of changes.
// Each change is annotated with whether it is reloadable at runtime.
func Diff(old, new *Config) []Change {
	var changes []Change

	// ── Non-reloadable: listen ──
	diffField(&changes, "listen.host", old.Listen.Host, new.Listen.Host, false)
	diffField(&changes, "listen.port", old.Listen.Port, new.Listen.Port, false)
	diffField(&changes, "listen.grpc_port", old.Listen.GRPCPort, new.Listen.GRPCPort, false)
	diffField(&changes, "listen.max_connections", old.Listen.MaxConnections, new.Listen.MaxConnections, false)
	diffField(&changes, "listen.global_rate_limit", old.Listen.GlobalRateLimit, new.Listen.GlobalRateLimit, false)
	diffField(&changes, "listen.max_body_size", old.Listen.MaxBodySize, new.Listen.MaxBodySize, false)
	diffField(&changes, "listen.tls.cert_file", old.Listen.TLS.CertFile, new.Listen.TLS.CertFile, false)
	diffField(&changes, "listen.tls.key_file", old.Listen.TLS.KeyFile, new.Listen.TLS.KeyFile, false)

	// ── Non-reloadable: identity and admin ──
	diffField(&changes, "agents.mode", old.Agents.Mode, new.Agents.Mode, false)
	diffField(&changes, "agents.header", old.Agents.Header, new.Agents.Header, false)
	diffSecret(&changes, "agents.jwt.secret", old.Agents.JWT.Secret, new.Agents.JWT.Secret)
	diffField(&changes, "agents.jwt.jwks_file", old.Agents.JWT.JWKSFile, new.Agents.JWT.JWKSFile, false)
	diffField(&changes, "agents.jwt.issuer", old.Agents.JWT.Issuer, new.Agents.JWT.Issuer, false)
	diffField(&changes, "agents.jwt.audience", old.Agents.JWT.Audience, new.Agents.JWT.Audience, false)
	diffField(&changes, "agents.allow_anonymous", old.Agents.AllowAnonymous, new.Agents.AllowAnonymous, false)
	diffField(&changes, "admin.enabled", old.Admin.Enabled, new.Admin.Enabled, false)
	diffSecret(&changes, "admin.token", old.Admin.Token, new.Admin.Token)
	diffStringSlice(&changes, "admin.subjects", old.Admin.Subjects, new.Admin.Subjects, false)

	// ── Reloadable: policy ──
	diffField(&changes, "policy.file", old.Policy.File, new.Policy.File, true)

	// ── Non-reloadable: rate limits, capabilities, storage ──
	diffField(&changes, "rate_limit", old.RateLimit, new.RateLimit, false)
	diffStringSlice(&changes, "capabilities.required", old.Capabilities.Required, new.Capabilities.Required, false)
	diffField(&changes, "capabilities.cache_ttl", old.Capabilities.CacheTTL.Duration, new.Capabilities.CacheTTL.Duration, false)
	diffField(&changes, "storage.driver", old.Storage.Driver, new.Storage.Driver, false)
	diffField(&changes, "storage.path", old.Storage.Path, new.Storage.Path, false)
	diffSecret(&changes, "storage.dsn", old.Storage.DSN, new.Storage.DSN)

	// ── Approval: the timeout is reloadable, the workflow is not ──
	diffField(&changes, "approval.mode", old.Approval.Mode, new.Approval.Mode, false)
	diffField(&changes, "approval.webhook.url", old.Approval.Webhook.URL, new.Approval.Webhook.URL, false)
	diffField(&changes, "approval.timeout", old.Approval.Timeout.Duration, new.Approval.Timeout.Duration, true)

	// ── Audit: sampling is reloadable ──
	diffStringSlice(&changes, "audit.sinks", old.Audit.Sinks, new.Audit.Sinks, false)
	diffField(&changes, "audit.buffer_size", old.Audit.BufferSize, new.Audit.BufferSize, false)
	diffField(&changes, "audit.sampling_rate", old.Audit.SamplingRate, new.Audit.SamplingRate, true)
	diffField(&changes, "audit.error_sampling_rate", old.Audit.ErrorSamplingRate, new.Audit.ErrorSamplingRate, true)

	// ── Non-reloadable: upstream, idempotency, health ──
	diffField(&changes, "upstream.url", old.Upstream.URL, new.Upstream.URL, false)
	diffField(&changes, "upstream.timeout", old.Upstream.Timeout.Duration, new.Upstream.Timeout.Duration, false)
	diffField(&changes, "idempotency", old.Idempotency, new.Idempotency, false)
	diffField(&changes, "health", old.Health, new.Health, false)

	// ── Logging: only the level is reloadable ──
	diffField(&changes, "logging.level", old.Logging.Level, new.Logging.Level, true)
	diffField(&changes, "logging.format", old.Logging.Format, new.Logging.Format, false)
	diffField(&changes, "logging.output", old.Logging.Output, new.Logging.Output, false)

	// ── Non-reloadable: shutdown, reload ──
	diffField(&changes, "shutdown.timeout", old.Shutdown.Timeout.Duration, new.Shutdown.Timeout.Duration, false)
	diffField(&changes, "shutdown.drain_timeout", old.Shutdown.DrainTimeout.Duration, new.Shutdown.DrainTimeout.Duration, false)
	diffField(&changes, "reload", old.Reload, new.Reload, false)

	return changes
}

// HasReloadable reports whether any change in changes can be applied live.
func HasReloadable(changes []Change) bool {
	for _, c := range changes {
		if c.Reloadable {
			return true
		}
	}
	return false
}

// diffField appends a Change if old != new using reflect.DeepEqual for comparison.
func diffField(changes *[]Change, field string, oldVal, newVal interface{}, reloadable bool) {
	if !reflect.DeepEqual(oldVal, newVal) {
		*changes = append(*changes, Change{
			Field:      field,
			OldValue:   oldVal,
			NewValue:   newVal,
			Reloadable: reloadable,
		})
	}
}

// diffSecret records a non-reloadable change without exposing either value.
func diffSecret(changes *[]Change, field, oldVal, newVal string) {
	if oldVal != newVal {
		*changes = append(*changes, Change{
			Field:    field,
			OldValue: redacted(oldVal),
			NewValue: redacted(newVal),
		})
	}
}

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// diffStringSlice compares two string slices and appends a Change if they differ.
func diffStringSlice(changes *[]Change, field string, oldVal, newVal []string, reloadable bool) {
	if len(oldVal) == 0 && len(newVal) == 0 {
		return
	}
	diffField(changes, field, oldVal, newVal, reloadable)
}
