package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// BucketType selects one of an agent's independent buckets.
type BucketType string

const (
	BucketTool    BucketType = "tool"
	BucketToken   BucketType = "token"
	BucketMessage BucketType = "message"
)

// BucketTypes lists every bucket type.
var BucketTypes = []BucketType{BucketTool, BucketToken, BucketMessage}

// ErrUnknownBucketType is returned for a bucket type outside BucketTypes.
var ErrUnknownBucketType = errors.New("unknown bucket type")

// ParseBucketType accepts the short names and their plural aliases
// (tool_calls, tokens, messages).
func ParseBucketType(s string) (BucketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tool", "tools", "tool_calls":
		return BucketTool, nil
	case "token", "tokens":
		return BucketToken, nil
	case "message", "messages":
		return BucketMessage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBucketType, s)
}

// Config sets per-minute rates for each bucket type. A rate of zero or
// less disables that bucket type.
type Config struct {
	ToolCallsPerMinute float64
	TokensPerMinute    float64
	MessagesPerMinute  float64
	// BurstMultiplier scales capacity above the per-minute rate. Values
	// below 1 are treated as 1.
	BurstMultiplier float64

	FlushInterval   time.Duration // default 10s
	CleanupInterval time.Duration // default 10m
	// MaxRefillWindow caps the elapsed time credited in one refill, which
	// bounds catch-up after restoring a stale snapshot. Zero means no cap.
	MaxRefillWindow time.Duration
}

const (
	defaultFlushInterval   = 10 * time.Second
	defaultCleanupInterval = 10 * time.Minute
)

func (c Config) perMinute(t BucketType) float64 {
	switch t {
	case BucketTool:
		return c.ToolCallsPerMinute
	case BucketToken:
		return c.TokensPerMinute
	case BucketMessage:
		return c.MessagesPerMinute
	}
	return 0
}

type bucketRate struct {
	capacity   float64
	refillRate float64
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed      bool
	Remaining    float64
	Limit        float64
	RetryAfterMs int64
	// Unlimited is set when the bucket type is disabled.
	Unlimited bool
}

type bucketKey struct {
	agentID string
	typ     BucketType
}

type entry struct {
	mu       sync.Mutex
	bucket   *Bucket
	dirty    bool
	lastUsed time.Time
	evicted  bool
}

// Limiter holds every agent's buckets. Checks against one (agent, type) key
// serialize on that key's mutex; different keys never contend.
type Limiter struct {
	cfg     Config
	rates   map[BucketType]bucketRate
	buckets sync.Map // bucketKey → *entry
	store   BucketStore
	logger  *slog.Logger
	now     func() time.Time

	// onPersistError is invoked for every failed flush, e.g. to count it.
	onPersistError func(error)

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore persists bucket state. Without it buckets live in memory only.
func WithStore(s BucketStore) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPersistErrorHook registers a callback for failed flushes.
func WithPersistErrorHook(fn func(error)) Option {
	return func(l *Limiter) { l.onPersistError = fn }
}

// New creates a Limiter. A nil logger discards output.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BurstMultiplier < 1 {
		cfg.BurstMultiplier = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	l := &Limiter{
		cfg:    cfg,
		rates:  make(map[BucketType]bucketRate, len(BucketTypes)),
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, t := range BucketTypes {
		pm := cfg.perMinute(t)
		if pm <= 0 {
			continue
		}
		l.rates[t] = bucketRate{capacity: pm * cfg.BurstMultiplier, refillRate: pm / 60}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckLimit consumes one token from the agent's bucket of type typ.
func (l *Limiter) CheckLimit(agentID string, typ BucketType) (Result, error) {
	return l.Consume(agentID, typ, 1)
}

// Consume takes n tokens from the agent's bucket of type typ. A rejected
// consume leaves the bucket unchanged and reports how long to wait.
func (l *Limiter) Consume(agentID string, typ BucketType, n float64) (Result, error) {
	rate, known, err := l.rateFor(typ)
	if err != nil {
		return Result{}, err
	}
	if !known {
		return Result{Allowed: true, Unlimited: true}, nil
	}

	for {
		e := l.entryFor(agentID, typ, rate)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		now := l.now()
		e.lastUsed = now
		res := Result{Limit: rate.capacity}
		if e.bucket.TryConsume(n, now) {
			res.Allowed = true
			e.dirty = l.store != nil
		} else {
			res.RetryAfterMs = e.bucket.TimeToRefill(n, now).Milliseconds()
		}
		res.Remaining = e.bucket.Tokens(now)
		e.mu.Unlock()
		return res, nil
	}
}

// Peek reports the current fill level without consuming.
func (l *Limiter) Peek(agentID string, typ BucketType) (Result, error) {
	rate, known, err := l.rateFor(typ)
	if err != nil {
		return Result{}, err
	}
	if !known {
		return Result{Allowed: true, Unlimited: true}, nil
	}
	v, ok := l.buckets.Load(bucketKey{agentID, typ})
	if !ok {
		return Result{Allowed: true, Remaining: rate.capacity, Limit: rate.capacity}, nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := l.now()
	remaining := e.bucket.Tokens(now)
	return Result{
		Allowed:      remaining >= 1,
		Remaining:    remaining,
		Limit:        rate.capacity,
		RetryAfterMs: e.bucket.TimeToRefill(1, now).Milliseconds(),
	}, nil
}

func (l *Limiter) rateFor(typ BucketType) (bucketRate, bool, error) {
	switch typ {
	case BucketTool, BucketToken, BucketMessage:
	default:
		return bucketRate{}, false, fmt.Errorf("%w: %q", ErrUnknownBucketType, typ)
	}
	rate, ok := l.rates[typ]
	return rate, ok, nil
}

func (l *Limiter) entryFor(agentID string, typ BucketType, rate bucketRate) *entry {
	key := bucketKey{agentID, typ}
	if v, ok := l.buckets.Load(key); ok {
		return v.(*entry)
	}
	b := NewBucket(rate.capacity, rate.refillRate, l.now())
	b.maxWindow = l.cfg.MaxRefillWindow
	actual, _ := l.buckets.LoadOrStore(key, &entry{bucket: b})
	return actual.(*entry)
}

// Restore loads every persisted snapshot so the decision path never has to
// read storage. Snapshots for disabled bucket types are ignored.
func (l *Limiter) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	snaps, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading rate limit snapshots: %w", err)
	}

	now := l.now()
	restored := 0
	for _, s := range snaps {
		rate, ok := l.rates[s.Type]
		if !ok {
			continue
		}
		b := restoreBucket(rate.capacity, rate.refillRate, s.Tokens, s.LastRefill)
		b.maxWindow = l.cfg.MaxRefillWindow
		l.buckets.Store(bucketKey{s.AgentID, s.Type}, &entry{bucket: b, lastUsed: now})
		restored++
	}
	l.logger.Info("rate limit buckets restored", "count", restored)
	return nil
}

// Start runs the flush and cleanup loop until ctx ends or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.loop(ctx)
	})
}

// Stop ends the background loop and performs a final flush.
func (l *Limiter) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
		err = l.Flush(ctx)
	})
	return err
}

func (l *Limiter) loop(ctx context.Context) {
	defer close(l.done)

	flush := time.NewTicker(l.cfg.FlushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(l.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			// Errors are logged and counted inside Flush.
			_ = l.Flush(ctx)
		case <-cleanup.C:
			l.Cleanup()
		}
	}
}

// Flush writes every bucket modified since the previous flush. Failures
// are logged at warn level and the buckets stay dirty for the next attempt;
// enforcement continues from memory either way.
func (l *Limiter) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	var (
		snaps   []Snapshot
		flushed []*entry
	)
	l.buckets.Range(func(k, v any) bool {
		key := k.(bucketKey)
		e := v.(*entry)
		e.mu.Lock()
		if e.dirty && !e.evicted {
			snaps = append(snaps, Snapshot{
				AgentID:    key.agentID,
				Type:       key.typ,
				Tokens:     e.bucket.tokens,
				LastRefill: e.bucket.lastRefill,
			})
			e.dirty = false
			flushed = append(flushed, e)
		}
		e.mu.Unlock()
		return true
	})
	if len(snaps) == 0 {
		return nil
	}

	if err := l.store.Save(ctx, snaps); err != nil {
		for _, e := range flushed {
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
		l.logger.Warn("rate limit flush failed", "buckets", len(snaps), "error", err)
		if l.onPersistError != nil {
			l.onPersistError(err)
		}
		return fmt.Errorf("saving rate limit snapshots: %w", err)
	}
	l.logger.Debug("rate limit buckets flushed", "count", len(snaps))
	return nil
}

// Cleanup evicts buckets that are full, flushed and idle for longer than
// the cleanup interval. An evicted bucket is indistinguishable from a new one.
func (l *Limiter) Cleanup() int {
	now := l.now()
	cutoff := now.Add(-l.cfg.CleanupInterval)
	evicted := 0
	l.buckets.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.dirty && e.lastUsed.Before(cutoff) && e.bucket.full(now) {
			e.evicted = true
			l.buckets.Delete(k)
			evicted++
		}
		e.mu.Unlock()
		return true
	})
	if evicted > 0 {
		l.logger.Debug("rate limit buckets evicted", "count", evicted)
	}
	return evicted
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
