package capability

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps tokens in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tokens: make(map[string]Token)}
}

func (m *MemoryBackend) Insert(_ context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[t.Token]; exists {
		return fmt.Errorf("token already exists")
	}
	m.tokens[t.Token] = cloneToken(t)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, token string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return Token{}, ErrNotFound
	}
	return cloneToken(t), nil
}

func (m *MemoryBackend) Revoke(_ context.Context, token string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &at
	m.tokens[token] = t
	return true, nil
}

func (m *MemoryBackend) RevokeAll(_ context.Context, agentID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	for k, t := range m.tokens {
		if t.AgentID != agentID || t.RevokedAt != nil {
			continue
		}
		t.RevokedAt = &at
		m.tokens[k] = t
		revoked = append(revoked, k)
	}
	return revoked, nil
}

func (m *MemoryBackend) ListActive(_ context.Context, agentID string, now time.Time) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Token
	for _, t := range m.tokens {
		if t.AgentID == agentID && t.ValidAt(now) {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func cloneToken(t Token) Token {
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		t.ExpiresAt = &exp
	}
	if t.RevokedAt != nil {
		rev := *t.RevokedAt
		t.RevokedAt = &rev
	}
	if t.Constraints != nil {
		t.Constraints = maps.Clone(t.Constraints)
	}
	return t
}
