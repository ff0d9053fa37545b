package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewSlidingWindow(5, time.Minute, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, 42)
		require.NoError(t, err)
		assert.True(t, ok, "event %d", i)
		clock.Advance(time.Second)
	}

	ok, err := l.Allow(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, 43)
	require.NoError(t, err)
	assert.True(t, ok, "other users keep their own window")
}

func TestSlidingWindowRejectionDoesNotExtendWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewSlidingWindow(2, 10*time.Second, WithClock(clock.Now))

	ok, _ := l.Allow(ctx, 1)
	require.True(t, ok)
	ok, _ = l.Allow(ctx, 1)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		ok, _ = l.Allow(ctx, 1)
		assert.False(t, ok)
	}

	clock.Advance(6 * time.Second)
	ok, _ = l.Allow(ctx, 1)
	assert.True(t, ok, "rejected calls must not be counted")
}

func TestSlidingWindowRemainingAndCleanup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewSlidingWindow(3, time.Minute, WithClock(clock.Now))

	assert.Equal(t, 3, l.Remaining(1))
	_, _ = l.Allow(ctx, 1)
	_, _ = l.Allow(ctx, 2)
	assert.Equal(t, 2, l.Remaining(1))

	assert.Equal(t, 0, l.Cleanup())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, l.Cleanup())
	assert.Equal(t, 3, l.Remaining(1))
}

// scriptRunner evaluates the sliding window script in Go so the Redis
// limiter can be checked without a server.
type scriptRunner struct {
	mu   sync.Mutex
	sets map[string][]int64
	keys []string
}

func (s *scriptRunner) run(keys []string, args ...interface{}) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keys[0]
	s.keys = append(s.keys, key)
	now := args[0].(int64)
	window := args[1].(int64)
	limit := args[2].(int)

	var kept []int64
	for _, ts := range s.sets[key] {
		if ts > now-window {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		s.sets[key] = kept
		return redis.NewCmdResult(int64(0), nil)
	}
	s.sets[key] = append(kept, now)
	return redis.NewCmdResult(int64(1), nil)
}

func (s *scriptRunner) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptRunner) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptRunner) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptRunner) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptRunner) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (s *scriptRunner) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedisSlidingWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	runner := &scriptRunner{sets: make(map[string][]int64)}
	l := NewRedisSlidingWindow(runner, 2, time.Minute)
	l.now = clock.Now

	ok, err := l.Allow(ctx, 9)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Allow(ctx, 9)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Allow(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(61 * time.Second)
	ok, err = l.Allow(ctx, 9)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "shopbot:rate_limit:9", runner.keys[0])
}
