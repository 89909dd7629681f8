package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Backend is the transactional persistence behind a Store.
type Backend interface {
	// Insert stores a new token. Token values are never reused.
	Insert(ctx context.Context, t Token) error
	// Get returns the token or ErrNotFound.
	Get(ctx context.Context, token string) (Token, error)
	// Revoke sets revoked_at if it is not already set and reports whether
	// it did.
	Revoke(ctx context.Context, token string, at time.Time) (bool, error)
	// RevokeAll revokes every unrevoked token of agentID and returns the
	// token values it revoked.
	RevokeAll(ctx context.Context, agentID string, at time.Time) ([]string, error)
	// ListActive returns the agent's tokens that are valid at now.
	ListActive(ctx context.Context, agentID string, now time.Time) ([]Token, error)
	Ping(ctx context.Context) error
	Close() error
}

// GrantOptions configures a grant. ExpiresAt wins over TTL when both are set.
type GrantOptions struct {
	GrantedBy   string
	ExpiresAt   *time.Time
	TTL         time.Duration
	Constraints map[string]any
}

// Store is the capability API used by the gateway, the admin API and the CLI.
type Store struct {
	backend Backend
	cache   *validationCache
	logger  *slog.Logger
	now     func() time.Time

	purgeEvery time.Duration
	done       chan struct{}
	once       sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL enables validation caching. Zero disables it.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache = newValidationCache(ttl) }
}

// WithCachePurge drops expired cache entries every interval in a
// background goroutine; call Stop to terminate it. It has no effect
// without WithCacheTTL.
func WithCachePurge(interval time.Duration) Option {
	return func(s *Store) { s.purgeEvery = interval }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wraps backend. A nil logger discards output.
func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{backend: backend, logger: logger, now: time.Now, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache != nil && s.purgeEvery > 0 {
		go s.purgeLoop(s.purgeEvery)
	}
	return s
}

// Grant issues a fresh token. Re-granting the same capability always
// produces a new token value.
func (s *Store) Grant(ctx context.Context, agentID, capability string, opts GrantOptions) (Token, error) {
	if agentID == "" {
		return Token{}, fmt.Errorf("agent id is required")
	}
	if err := ValidateCapabilityName(capability); err != nil {
		return Token{}, err
	}
	value, err := generateToken()
	if err != nil {
		return Token{}, err
	}

	now := s.now().UTC()
	t := Token{
		Token:       value,
		AgentID:     agentID,
		Capability:  capability,
		GrantedBy:   opts.GrantedBy,
		GrantedAt:   now,
		Constraints: opts.Constraints,
	}
	if t.GrantedBy == "" {
		t.GrantedBy = GrantedBySystem
	}
	switch {
	case opts.ExpiresAt != nil:
		exp := opts.ExpiresAt.UTC()
		t.ExpiresAt = &exp
	case opts.TTL > 0:
		exp := now.Add(opts.TTL)
		t.ExpiresAt = &exp
	}

	if err := s.backend.Insert(ctx, t); err != nil {
		return Token{}, fmt.Errorf("granting %s to %s: %w", capability, agentID, err)
	}
	s.logger.Info("capability granted",
		"agent", agentID,
		"capability", capability,
		"granted_by", t.GrantedBy,
		"token", t.Redacted(),
	)
	return t, nil
}

// Validate reports whether token is currently valid and covers capability.
// It has no side effects beyond cache population. Backend errors yield
// false together with the error.
func (s *Store) Validate(ctx context.Context, token, capability string) (bool, error) {
	t, err := s.lookup(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.ValidAt(s.now()) && t.Covers(capability), nil
}

// Authorize checks that token belongs to agentID, is valid and covers
// capability. It returns nil, ErrDenied, or a wrapped backend error.
func (s *Store) Authorize(ctx context.Context, token, agentID, capability string) error {
	if token == "" {
		return fmt.Errorf("%w: no capability token presented for %s", ErrDenied, capability)
	}
	t, err := s.lookup(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown capability token", ErrDenied)
	}
	if err != nil {
		return fmt.Errorf("validating capability token: %w", err)
	}
	switch {
	case t.AgentID != agentID:
		return fmt.Errorf("%w: token was not granted to this agent", ErrDenied)
	case !t.ValidAt(s.now()):
		return fmt.Errorf("%w: token is revoked or expired", ErrDenied)
	case !t.Covers(capability):
		return fmt.Errorf("%w: token grants %s, call needs %s", ErrDenied, t.Capability, capability)
	}
	return nil
}

func (s *Store) lookup(ctx context.Context, token string) (Token, error) {
	now := s.now()
	if t, ok := s.cache.get(token, now); ok {
		return t, nil
	}
	gen := s.cache.generation()
	t, err := s.backend.Get(ctx, token)
	if err != nil {
		return Token{}, err
	}
	s.cache.set(t, now, gen)
	return t, nil
}

// Revoke soft-deletes token. It reports false for unknown or already
// revoked tokens.
func (s *Store) Revoke(ctx context.Context, token string) (bool, error) {
	s.cache.invalidate()
	s.cache.delete(token)
	ok, err := s.backend.Revoke(ctx, token, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	s.cache.delete(token)
	if ok {
		s.logger.Info("capability revoked", "token", Redact(token))
	}
	return ok, nil
}

// RevokeAll revokes every active token of agentID and returns how many
// were revoked.
func (s *Store) RevokeAll(ctx context.Context, agentID string) (int, error) {
	s.cache.invalidate()
	revoked, err := s.backend.RevokeAll(ctx, agentID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for %s: %w", agentID, err)
	}
	for _, token := range revoked {
		s.cache.delete(token)
	}
	s.logger.Info("capabilities revoked", "agent", agentID, "count", len(revoked))
	return len(revoked), nil
}

// List returns the agent's active tokens.
func (s *Store) List(ctx context.Context, agentID string) ([]Token, error) {
	tokens, err := s.backend.ListActive(ctx, agentID, s.now())
	if err != nil {
		return nil, fmt.Errorf("listing tokens for %s: %w", agentID, err)
	}
	return tokens, nil
}

// PurgeCache drops expired cache entries.
func (s *Store) PurgeCache() {
	s.cache.purge(s.now())
}

// CacheLen returns the number of cached records, expired or not.
func (s *Store) CacheLen() int {
	return s.cache.len()
}

func (s *Store) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.PurgeCache()
		}
	}
}

// Stop stops the purge goroutine. It is safe to call more than once and
// does not close the backend.
func (s *Store) Stop() {
	s.once.Do(func() { close(s.done) })
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
