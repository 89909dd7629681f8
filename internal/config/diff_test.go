package config

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	cfg := &Config{Policy: PolicyConfig{File: "/etc/sentinel/policy.yaml"}}
	ApplyDefaults(cfg)
	return cfg
}

func findChange(changes []Change, field string) (Change, bool) {
	for _, c := range changes {
		if c.Field == field {
			return c, true
		}
	}
	return Change{}, false
}

func TestDiff_IdenticalConfigs(t *testing.T) {
	cfg := baseConfig()
	changes := Diff(cfg, baseConfig())
	if len(changes) != 0 {
		t.Errorf("identical configs should produce 0 changes, got %d", len(changes))
		for _, c := range changes {
			t.Logf("  change: %s old=%v new=%v", c.Field, c.OldValue, c.NewValue)
		}
	}
}

func TestDiff_Reloadability(t *testing.T) {
	tests := []struct {
		field      string
		mutate     func(*Config)
		reloadable bool
	}{
		{"policy.file", func(c *Config) { c.Policy.File = "/etc/sentinel/strict.yaml" }, true},
		{"audit.sampling_rate", func(c *Config) { c.Audit.SamplingRate = 0.1 }, true},
		{"audit.error_sampling_rate", func(c *Config) { c.Audit.ErrorSamplingRate = 0.5 }, true},
		{"logging.level", func(c *Config) { c.Logging.Level = "debug" }, true},
		{"approval.timeout", func(c *Config) { c.Approval.Timeout.Duration = 5 * time.Second }, true},
		{"listen.port", func(c *Config) { c.Listen.Port = 9000 }, false},
		{"listen.grpc_port", func(c *Config) { c.Listen.GRPCPort = 9090 }, false},
		{"listen.max_connections", func(c *Config) { c.Listen.MaxConnections = 10 }, false},
		{"listen.tls.cert_file", func(c *Config) { c.Listen.TLS.CertFile = "/tmp/cert.pem" }, false},
		{"agents.mode", func(c *Config) { c.Agents.Mode = "jwt" }, false},
		{"rate_limit", func(c *Config) { c.RateLimit.ToolCallsPerMinute = 1 }, false},
		{"capabilities.required", func(c *Config) { c.Capabilities.Required = []string{"shell"} }, false},
		{"approval.mode", func(c *Config) { c.Approval.Mode = "queue" }, false},
		{"storage.driver", func(c *Config) { c.Storage.Driver = "sqlite" }, false},
		{"audit.sinks", func(c *Config) { c.Audit.Sinks = []string{"log", "sqlite"} }, false},
		{"logging.format", func(c *Config) { c.Logging.Format = "text" }, false},
		{"upstream.url", func(c *Config) { c.Upstream.URL = "http://gw:8080" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			changes := Diff(old, new)
			if len(changes) != 1 {
				t.Fatalf("expected 1 change, got %d: %+v", len(changes), changes)
			}
			c, ok := findChange(changes, tt.field)
			if !ok {
				t.Fatalf("expected change for %s, got %s", tt.field, changes[0].Field)
			}
			if c.Reloadable != tt.reloadable {
				t.Errorf("%s reloadable = %v, want %v", tt.field, c.Reloadable, tt.reloadable)
			}
		})
	}
}

func TestDiff_SecretsAreRedacted(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	old.Admin.Token = "old-token"
	new.Admin.Token = "new-token"
	new.Agents.JWT.Secret = "jwt-secret"
	new.Storage.DSN = "postgres://user:pw@db/sentinel"

	changes := Diff(old, new)
	for _, field := range []string{"admin.token", "agents.jwt.secret", "storage.dsn"} {
		c, ok := findChange(changes, field)
		if !ok {
			t.Errorf("expected change for %s", field)
			continue
		}
		if c.Reloadable {
			t.Errorf("%s should not be reloadable", field)
		}
		rendered := fmt.Sprintf("%v %v", c.OldValue, c.NewValue)
		for _, secret := range []string{"old-token", "new-token", "jwt-secret", "pw@db"} {
			if strings.Contains(rendered, secret) {
				t.Errorf("%s leaks %q: %s", field, secret, rendered)
			}
		}
	}
}

func TestDiff_MixedReloadableAndNon(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Logging.Level = "warn"
	new.Listen.Port = 9999

	changes := Diff(old, new)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if !HasReloadable(changes) {
		t.Error("HasReloadable should report the logging.level change")
	}
	if changes[0].Field != "listen.port" || HasReloadable(changes[:1]) {
		t.Errorf("listen.port alone should not be reloadable: %+v", changes[0])
	}
}

func TestDiff_EmptyAndNilSlicesAreEqual(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	old.Capabilities.Required = nil
	new.Capabilities.Required = []string{}
	if changes := Diff(old, new); len(changes) != 0 {
		t.Errorf("nil vs empty slice should not differ, got %+v", changes)
	}
}
