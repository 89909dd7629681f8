// Package capability issues, validates and revokes time-bounded capability
// tokens. A capability is an independent grant that a call must hold in
// addition to passing policy, for example "network:http" or "shell:execute".
package capability

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GrantedBySystem marks grants made by the proxy itself or an operator.
const GrantedBySystem = "system"

const (
	tokenPrefix = "cap_"
	tokenBytes  = 32
)

var (
	// ErrNotFound is returned by backends for an unknown token.
	ErrNotFound = errors.New("capability token not found")
	// ErrDenied is returned by Authorize when a token does not cover a call.
	ErrDenied = errors.New("capability denied")
)

// Token is one grant of one capability to one agent. Revocation is a soft
// delete: RevokedAt, once set, is never cleared.
type Token struct {
	Token       string         `json:"token"`
	AgentID     string         `json:"agentId"`
	Capability  string         `json:"capability"`
	GrantedBy   string         `json:"grantedBy"`
	GrantedAt   time.Time      `json:"grantedAt"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	RevokedAt   *time.Time     `json:"revokedAt,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// ValidAt reports whether the token is unrevoked and unexpired at now.
func (t *Token) ValidAt(now time.Time) bool {
	return t.RevokedAt == nil && (t.ExpiresAt == nil || t.ExpiresAt.After(now))
}

// Covers reports whether the granted capability includes want. A grant of
// "ns:*" covers every capability in namespace ns and "*" covers everything.
func (t *Token) Covers(want string) bool {
	return CapabilityCovers(t.Capability, want)
}

// CapabilityCovers reports whether granted includes want.
func CapabilityCovers(granted, want string) bool {
	switch {
	case granted == want, granted == "*":
		return true
	case strings.HasSuffix(granted, ":*"):
		return strings.HasPrefix(want, strings.TrimSuffix(granted, "*"))
	}
	return false
}

// Redacted returns the token value shortened for logs.
func (t *Token) Redacted() string {
	return Redact(t.Token)
}

// Redact shortens a token value for logs.
func Redact(token string) string {
	if len(token) <= len(tokenPrefix)+6 {
		return tokenPrefix + "…"
	}
	return token[:len(tokenPrefix)+6] + "…"
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating capability token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateCapabilityName checks the "namespace:action" shape.
func ValidateCapabilityName(c string) error {
	if c == "*" {
		return nil
	}
	ns, action, ok := strings.Cut(c, ":")
	if !ok || ns == "" || action == "" || strings.ContainsAny(c, " \t\n") {
		return fmt.Errorf("capability %q must look like namespace:action", c)
	}
	return nil
}
