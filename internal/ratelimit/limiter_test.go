package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/sqlitepool"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_OnePerMinuteScenario(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{ToolCallsPerMinute: 1, BurstMultiplier: 1}, nil, WithClock(clock.Now))

	first, err := l.CheckLimit("agent-1", BucketTool)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := l.CheckLimit("agent-1", BucketTool)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Greater(t, second.RetryAfterMs, int64(0))
	assert.InDelta(t, 60000, second.RetryAfterMs, 1)

	clock.Advance(time.Minute)
	third, err := l.CheckLimit("agent-1", BucketTool)
	require.NoError(t, err)
	assert.True(t, third.Allowed)
}

func TestLimiter_BurstCapacity(t *testing.T) {
	l := New(Config{ToolCallsPerMinute: 10, BurstMultiplier: 2}, nil, WithClock(newFakeClock().Now))

	for i := 0; i < 20; i++ {
		res, err := l.CheckLimit("a", BucketTool)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 20.0, res.Limit)
	}
	res, err := l.CheckLimit("a", BucketTool)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestLimiter_IndependentBucketsAndAgents(t *testing.T) {
	l := New(Config{ToolCallsPerMinute: 1, TokensPerMinute: 100, MessagesPerMinute: 1}, nil, WithClock(newFakeClock().Now))

	res, _ := l.Consume("a", BucketToken, 100)
	assert.True(t, res.Allowed)
	res, _ = l.Consume("a", BucketToken, 1)
	assert.False(t, res.Allowed)

	res, _ = l.CheckLimit("a", BucketTool)
	assert.True(t, res.Allowed, "exhausting tokens must not block tool calls")
	res, _ = l.CheckLimit("a", BucketMessage)
	assert.True(t, res.Allowed)
	res, _ = l.CheckLimit("b", BucketTool)
	assert.True(t, res.Allowed, "agents do not share buckets")
}

func TestLimiter_UnknownAndDisabledTypes(t *testing.T) {
	l := New(Config{ToolCallsPerMinute: 1}, nil)

	_, err := l.CheckLimit("a", BucketType("bogus"))
	assert.ErrorIs(t, err, ErrUnknownBucketType)

	res, err := l.CheckLimit("a", BucketMessage)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Unlimited)
}

func TestParseBucketType(t *testing.T) {
	for in, want := range map[string]BucketType{
		"tool": BucketTool, "tool_calls": BucketTool,
		"tokens": BucketToken, "token": BucketToken,
		"Messages": BucketMessage,
	} {
		got, err := ParseBucketType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseBucketType("bytes")
	assert.ErrorIs(t, err, ErrUnknownBucketType)
}

func TestLimiter_ConcurrentSameKeyNeverDoubleSpends(t *testing.T) {
	l := New(Config{ToolCallsPerMinute: 100, BurstMultiplier: 1}, nil, WithClock(newFakeClock().Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				res, err := l.CheckLimit("shared", BucketTool)
				if err == nil && res.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), allowed.Load())
}

func TestLimiter_PeekDoesNotConsume(t *testing.T) {
	l := New(Config{ToolCallsPerMinute: 2}, nil, WithClock(newFakeClock().Now))

	res, err := l.Peek("a", BucketTool)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Remaining)

	_, _ = l.CheckLimit("a", BucketTool)
	res, _ = l.Peek("a", BucketTool)
	assert.Equal(t, 1.0, res.Remaining)
	res, _ = l.Peek("a", BucketTool)
	assert.Equal(t, 1.0, res.Remaining)
}

func TestLimiter_FlushAndRestore(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	cfg := Config{ToolCallsPerMinute: 60, BurstMultiplier: 1}

	l := New(cfg, nil, WithStore(store), WithClock(clock.Now))
	for i := 0; i < 60; i++ {
		_, _ = l.CheckLimit("a", BucketTool)
	}
	require.NoError(t, l.Stop(context.Background()))

	snaps, _ := store.Load(context.Background())
	require.Len(t, snaps, 1)
	assert.InDelta(t, 0, snaps[0].Tokens, 1e-9)

	restarted := New(cfg, nil, WithStore(store), WithClock(clock.Now))
	require.NoError(t, restarted.Restore(context.Background()))

	res, _ := restarted.CheckLimit("a", BucketTool)
	assert.False(t, res.Allowed, "restored bucket keeps its spent state")

	clock.Advance(2 * time.Second)
	res, _ = restarted.CheckLimit("a", BucketTool)
	assert.True(t, res.Allowed, "lazy refill covers the gap since the snapshot")
}

func TestLimiter_FlushOnlyDirtyBuckets(t *testing.T) {
	store := &countingStore{}
	l := New(Config{ToolCallsPerMinute: 10}, nil, WithStore(store))

	_, _ = l.CheckLimit("a", BucketTool)
	require.NoError(t, l.Flush(context.Background()))
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 1, store.saves)
}

func TestLimiter_FlushFailureKeepsEnforcingAndRetries(t *testing.T) {
	store := &countingStore{err: errors.New("disk full")}
	var hookCalls atomic.Int32
	l := New(Config{ToolCallsPerMinute: 1}, nil,
		WithStore(store),
		WithClock(newFakeClock().Now),
		WithPersistErrorHook(func(error) { hookCalls.Add(1) }),
	)

	res, _ := l.CheckLimit("a", BucketTool)
	assert.True(t, res.Allowed)
	require.Error(t, l.Flush(context.Background()))
	assert.Equal(t, int32(1), hookCalls.Load())

	res, _ = l.CheckLimit("a", BucketTool)
	assert.False(t, res.Allowed, "in-memory bucket still enforces")

	store.err = nil
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 2, store.saves)
}

func TestLimiter_CleanupEvictsIdleFullBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{ToolCallsPerMinute: 60, CleanupInterval: time.Minute}, nil, WithClock(clock.Now))

	_, _ = l.CheckLimit("idle", BucketTool)
	require.Equal(t, 1, l.Len())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, l.Cleanup(), "not idle long enough")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 0, l.Len())

	res, _ := l.CheckLimit("idle", BucketTool)
	assert.True(t, res.Allowed)
}

func TestLimiter_StartStop(t *testing.T) {
	store := NewMemoryStore()
	l := New(Config{ToolCallsPerMinute: 5, FlushInterval: 10 * time.Millisecond}, nil, WithStore(store))
	l.Start(context.Background())

	_, _ = l.CheckLimit("a", BucketTool)
	require.Eventually(t, func() bool {
		snaps, _ := store.Load(context.Background())
		return len(snaps) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop(context.Background()))
	require.NoError(t, l.Stop(context.Background()))
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "rl.db"), PoolSize: 2})
	require.NoError(t, err)
	defer pool.Close()

	store, err := NewSQLiteStore(ctx, pool)
	require.NoError(t, err)

	last := t0.Add(1500 * time.Microsecond)
	require.NoError(t, store.Save(ctx, []Snapshot{
		{AgentID: "a", Type: BucketTool, Tokens: 2.5, LastRefill: last},
		{AgentID: "a", Type: BucketToken, Tokens: 100, LastRefill: last},
	}))
	require.NoError(t, store.Save(ctx, []Snapshot{
		{AgentID: "a", Type: BucketTool, Tokens: 1.25, LastRefill: last.Add(time.Second)},
	}))

	snaps, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byType := map[BucketType]Snapshot{}
	for _, s := range snaps {
		byType[s.Type] = s
	}
	assert.Equal(t, 1.25, byType[BucketTool].Tokens)
	assert.True(t, byType[BucketTool].LastRefill.Equal(last.Add(time.Second)))
	assert.Equal(t, 100.0, byType[BucketToken].Tokens)
}

type countingStore struct {
	mu    sync.Mutex
	saves int
	err   error
}

func (s *countingStore) Load(context.Context) ([]Snapshot, error) { return nil, nil }

func (s *countingStore) Save(_ context.Context, _ []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return s.err
}
