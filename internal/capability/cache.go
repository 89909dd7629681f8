package capability

import (
	"sync"
	"time"
)

// validationCache is a TTL cache of token records keyed by token value.
// An entry never outlives the token's own expiry, so an expired token is
// never served from cache. Revokes made through the owning Store evict
// immediately; revokes made elsewhere become visible after at most ttl.
//
// Fills race with revokes: a lookup may read a record from the backend
// just before a revoke lands. Every revoke therefore bumps gen before it
// writes the backend, and a fill whose read started under an older gen is
// dropped. mu orders fills against bumps; reads stay lock-free.
type validationCache struct {
	store sync.Map // token → *cacheEntry
	ttl   time.Duration

	mu  sync.Mutex
	gen uint64
}

type cacheEntry struct {
	token     Token
	expiresAt time.Time
}

func newValidationCache(ttl time.Duration) *validationCache {
	if ttl <= 0 {
		return nil
	}
	return &validationCache{ttl: ttl}
}

func (c *validationCache) get(token string, now time.Time) (Token, bool) {
	if c == nil {
		return Token{}, false
	}
	v, ok := c.store.Load(token)
	if !ok {
		return Token{}, false
	}
	e := v.(*cacheEntry)
	if !now.Before(e.expiresAt) {
		c.store.CompareAndDelete(token, e)
		return Token{}, false
	}
	return e.token, true
}

// generation returns the current revoke generation. Callers take it before
// reading the backend and pass it to set.
func (c *validationCache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// invalidate starts a new generation, so fills already in flight are
// discarded.
func (c *validationCache) invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

// set caches t unless a revoke started after gen was taken.
func (c *validationCache) set(t Token, now time.Time, gen uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	exp := now.Add(c.ttl)
	if t.ExpiresAt != nil && t.ExpiresAt.Before(exp) {
		exp = *t.ExpiresAt
	}
	if !now.Before(exp) {
		return
	}
	c.store.Store(t.Token, &cacheEntry{token: t, expiresAt: exp})
}

func (c *validationCache) delete(token string) {
	if c == nil {
		return
	}
	c.store.Delete(token)
}

func (c *validationCache) len() int {
	if c == nil {
		return 0
	}
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// purge drops expired entries.
func (c *validationCache) purge(now time.Time) {
	if c == nil {
		return
	}
	c.store.Range(func(k, v any) bool {
		if !now.Before(v.(*cacheEntry).expiresAt) {
			c.store.CompareAndDelete(k, v)
		}
		return true
	})
}
