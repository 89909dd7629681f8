package security

import (
	"container/list"
	"sync"
	"time"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
)

// CachedDecision is what a repeated idempotency key replays.
type CachedDecision struct {
	// Fingerprint identifies the call the decision was made for. A key
	// reused for a different call must not replay it.
	Fingerprint string
	Result      protocol.Result
	// Body is the upstream reply, when the original call was forwarded.
	Body []byte
}

type idemEntry struct {
	key      string
	decision CachedDecision
	expires  time.Time
}

// IdempotencyCache remembers decisions by (agent, idempotency key) for a
// window. When full, the oldest entry is evicted. A background goroutine
// removes expired entries; call Stop to terminate it.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest
	window  time.Duration
	max     int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewIdempotencyCache creates a cache. cleanupInterval <= 0 disables the
// background sweep; expired entries are then only dropped on lookup.
func NewIdempotencyCache(window time.Duration, maxEntries int, cleanupInterval time.Duration) *IdempotencyCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &IdempotencyCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		window:  window,
		max:     maxEntries,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.startCleanup(cleanupInterval)
	}
	return c
}

func cacheKey(agentID, key string) string {
	return agentID + "\x00" + key
}

// Lookup returns the decision stored for agentID and key, if it is still
// inside the window.
func (c *IdempotencyCache) Lookup(agentID, key string) (CachedDecision, bool) {
	if key == "" {
		return CachedDecision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[cacheKey(agentID, key)]
	if !ok {
		return CachedDecision{}, false
	}
	e := el.Value.(*idemEntry)
	if !c.now().Before(e.expires) {
		c.remove(el)
		return CachedDecision{}, false
	}
	return e.decision, true
}

// Store records a decision. A later Store for the same key replaces it and
// restarts its window.
func (c *IdempotencyCache) Store(agentID, key string, d CachedDecision) {
	if key == "" {
		return
	}
	k := cacheKey(agentID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[k]; ok {
		c.remove(el)
	}
	for c.order.Len() >= c.max {
		c.remove(c.order.Front())
	}
	c.entries[k] = c.order.PushBack(&idemEntry{key: k, decision: d, expires: c.now().Add(c.window)})
}

// Len returns the number of cached decisions, expired or not.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes every expired entry.
func (c *IdempotencyCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Entries are in insertion order and share one window, so expiry is
	// monotonic from the front.
	for el := c.order.Front(); el != nil; {
		if now.Before(el.Value.(*idemEntry).expires) {
			return
		}
		next := el.Next()
		c.remove(el)
		el = next
	}
}

func (c *IdempotencyCache) remove(el *list.Element) {
	delete(c.entries, el.Value.(*idemEntry).key)
	c.order.Remove(el)
}

func (c *IdempotencyCache) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *IdempotencyCache) Stop() {
	c.once.Do(func() { close(c.done) })
}
