package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, "login", limit, window), mr, client
}

func TestRedisLimiter(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t, 5, time.Minute)
	ctx := context.Background()
	start := time.Now()
	limiter.now = func() time.Time { return start }

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d", i+1)
	}

	allowed, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed, "keys are independent")

	limiter.now = func() time.Time { return start.Add(61 * time.Second) }
	allowed, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed, "window slid past old attempts")
}

func TestRedisLimiterReloadsFlushedScript(t *testing.T) {
	limiter, mr, client := newRedisLimiter(t, 2, time.Minute)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)

	sha, err := client.Get(ctx, scriptSHAKey).Result()
	require.NoError(t, err)
	assert.NotEmpty(t, sha)

	require.NoError(t, client.ScriptFlush(ctx).Err())

	allowed, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.True(t, mr.Exists(keyPrefix+"login:k"))
}

func TestMemoryLimiter(t *testing.T) {
	limiter := NewMemoryLimiter(2, time.Minute)
	ctx := context.Background()
	start := time.Now()
	limiter.now = func() time.Time { return start }

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, _ := limiter.Allow(ctx, "a")
	assert.False(t, allowed)

	allowed, _ = limiter.Allow(ctx, "b")
	assert.True(t, allowed)

	limiter.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Equal(t, 2, limiter.Sweep())

	allowed, _ = limiter.Allow(ctx, "a")
	assert.True(t, allowed)
}
