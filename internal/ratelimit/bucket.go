// Package ratelimit implements per-agent token buckets with lazy refill and
// periodic persistence so bucket state survives restarts.
package ratelimit

import (
	"math"
	"time"
)

// Bucket is a token bucket with a fractional fill level. It is not safe for
// concurrent use; the Limiter serializes access per key.
type Bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	// maxWindow caps how much elapsed time one refill may credit. Zero means
	// no cap.
	maxWindow time.Duration
}

// NewBucket returns a full bucket.
func NewBucket(capacity, refillRate float64, now time.Time) *Bucket {
	return &Bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// restoreBucket rebuilds a bucket from a persisted fill level. The level is
// clamped to the current capacity, which may have changed since the save.
func restoreBucket(capacity, refillRate, tokens float64, lastRefill time.Time) *Bucket {
	return &Bucket{
		tokens:     math.Max(0, math.Min(tokens, capacity)),
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: lastRefill,
	}
}

// refill credits tokens for the time elapsed since the last refill.
// A clock that moved backwards credits nothing.
func (b *Bucket) refill(now time.Time) {
	b.tokens = b.tokensAt(now)
	b.lastRefill = now
}

// TryConsume refills, then takes n tokens if at least n are available.
// On failure the fill level is left as it was after the refill.
func (b *Bucket) TryConsume(n float64, now time.Time) bool {
	b.refill(now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// TimeToRefill returns how long until n tokens are available, rounded up to
// the millisecond. It does not modify the bucket.
func (b *Bucket) TimeToRefill(n float64, now time.Time) time.Duration {
	tokens := b.tokensAt(now)
	if tokens >= n {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	ms := math.Ceil((n - tokens) / b.refillRate * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Tokens returns the fill level at now without modifying the bucket.
func (b *Bucket) Tokens(now time.Time) float64 {
	return b.tokensAt(now)
}

// Capacity returns the bucket's maximum fill level.
func (b *Bucket) Capacity() float64 { return b.capacity }

func (b *Bucket) tokensAt(now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return b.tokens
	}
	if b.maxWindow > 0 && elapsed > b.maxWindow {
		elapsed = b.maxWindow
	}
	return math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.refillRate)
}

func (b *Bucket) full(now time.Time) bool {
	return b.tokensAt(now) >= b.capacity
}
