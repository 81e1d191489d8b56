package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

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

type brokenStore struct{ calls int }

func (b *brokenStore) IncrementWithExpiry(context.Context, string, time.Duration) (int64, error) {
	b.calls++
	return 0, ErrStoreUnavailable
}

func TestRateLimiterFixedWindow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(NewMemoryStore(clock.Now), WithClock(clock.Now), WithLogger(zap.NewNop()))
	ctx := context.Background()
	scope := SenderScope("alice")

	first := rl.CheckAndIncrement(ctx, scope, 2, time.Second)
	second := rl.CheckAndIncrement(ctx, scope, 2, time.Second)
	third := rl.CheckAndIncrement(ctx, scope, 2, time.Second)

	assert.True(t, first.Allowed)
	assert.True(t, second.Allowed)
	assert.False(t, third.Allowed)
	assert.EqualValues(t, 3, third.Count)

	clock.Advance(time.Second)
	next := rl.CheckAndIncrement(ctx, scope, 2, time.Second)
	assert.True(t, next.Allowed)
	assert.EqualValues(t, 1, next.Count)
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(NewMemoryStore(clock.Now), WithClock(clock.Now), WithLogger(zap.NewNop()))
	ctx := context.Background()

	assert.True(t, rl.CheckAndIncrement(ctx, SenderScope("a"), 1, time.Second).Allowed)
	assert.False(t, rl.CheckAndIncrement(ctx, SenderScope("a"), 1, time.Second).Allowed)
	assert.True(t, rl.CheckAndIncrement(ctx, SenderScope("b"), 1, time.Second).Allowed)
	assert.True(t, rl.CheckAndIncrement(ctx, RoomScope("a"), 1, time.Second).Allowed)
}

func TestRateLimiterFailOpen(t *testing.T) {
	store := &brokenStore{}
	rl := NewRateLimiter(store, WithLogger(zap.NewNop()))

	d := rl.CheckAndIncrement(context.Background(), "sender:x", 1, time.Second)

	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, 1, store.calls)
}

func TestRateLimiterFailClosed(t *testing.T) {
	rl := NewRateLimiter(&brokenStore{}, WithFailurePolicy(FailClosed), WithLogger(zap.NewNop()))

	d := rl.CheckAndIncrement(context.Background(), "sender:x", 100, time.Second)

	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestDuplicateSuppressor(t *testing.T) {
	clock := newFakeClock()
	ds := NewDuplicateSuppressor(NewMemoryStore(clock.Now), WithClock(clock.Now), WithLogger(zap.NewNop()))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := ds.CheckDuplicate(ctx, "alice", "same text", 3, 10*time.Second)
		require.True(t, d.Allowed, "repeat %d", i)
	}
	fourth := ds.CheckDuplicate(ctx, "alice", "same text", 3, 10*time.Second)
	assert.False(t, fourth.Allowed)

	other := ds.CheckDuplicate(ctx, "bob", "same text", 3, 10*time.Second)
	assert.True(t, other.Allowed)
	assert.EqualValues(t, 1, other.Count)

	clock.Advance(10 * time.Second)
	assert.True(t, ds.CheckDuplicate(ctx, "alice", "same text", 3, 10*time.Second).Allowed)
}

func TestDuplicateSuppressorNormalizesContent(t *testing.T) {
	ds := NewDuplicateSuppressor(NewMemoryStore(nil), WithLogger(zap.NewNop()))
	ctx := context.Background()

	ds.CheckDuplicate(ctx, "alice", "Hello World", 1, time.Minute)
	d := ds.CheckDuplicate(ctx, "alice", "  hello   world ", 1, time.Minute)

	assert.False(t, d.Allowed)
	assert.Equal(t, ContentHash("Hello World"), ContentHash("hello  world"))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("world"))
}

func TestDuplicateSuppressorFailOpen(t *testing.T) {
	ds := NewDuplicateSuppressor(&brokenStore{}, WithLogger(zap.NewNop()))

	d := ds.CheckDuplicate(context.Background(), "alice", "x", 0, time.Second)

	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestMemoryStoreTTLNotResetByIncrement(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	v, _ := s.IncrementWithExpiry(ctx, "k", 10*time.Second)
	assert.EqualValues(t, 1, v)

	clock.Advance(9 * time.Second)
	v, _ = s.IncrementWithExpiry(ctx, "k", 10*time.Second)
	assert.EqualValues(t, 2, v)

	clock.Advance(time.Second)
	v, _ = s.IncrementWithExpiry(ctx, "k", 10*time.Second)
	assert.EqualValues(t, 1, v, "key must expire 10s after the first increment")
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	_, _ = s.IncrementWithExpiry(ctx, "short", time.Second)
	_, _ = s.IncrementWithExpiry(ctx, "long", time.Minute)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestFailurePolicyString(t *testing.T) {
	assert.Equal(t, "fail-open", FailOpen.String())
	assert.Equal(t, "fail-closed", FailClosed.String())
	assert.True(t, errors.Is(ErrStoreUnavailable, ErrStoreUnavailable))
}
