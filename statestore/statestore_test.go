package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := GenerateState()
		require.NoError(t, err)
		assert.Len(t, state, 43)
		assert.False(t, seen[state], "duplicate state generated")
		seen[state] = true
	}
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	info := StateInfo{OrgID: "org", UserID: "user", ServerID: "github-mcp", CreatedAt: time.Now()}

	t.Run("consume once", func(t *testing.T) {
		store := NewStateStore()
		require.NoError(t, store.Save(ctx, "abc", info, time.Minute))

		got, err := store.Consume(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "user", got.UserID)
		assert.Equal(t, "github-mcp", got.ServerID)

		_, err = store.Consume(ctx, "abc")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("unknown state", func(t *testing.T) {
		store := NewStateStore()
		_, err := store.Consume(ctx, "never-issued")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("expired state", func(t *testing.T) {
		store := NewStateStore()
		now := time.Now()
		store.now = func() time.Time { return now }
		require.NoError(t, store.Save(ctx, "abc", info, time.Minute))

		store.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, err := store.Consume(ctx, "abc")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("purge expired", func(t *testing.T) {
		store := NewStateStore()
		now := time.Now()
		store.now = func() time.Time { return now }
		require.NoError(t, store.Save(ctx, "old", info, time.Minute))
		require.NoError(t, store.Save(ctx, "fresh", info, time.Hour))

		store.now = func() time.Time { return now.Add(10 * time.Minute) }
		assert.Equal(t, 1, store.PurgeExpired(ctx))
		assert.Equal(t, 1, store.Len())

		_, err := store.Consume(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestRedisStateStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	store := NewRedisStateStore(redisClient)
	info := StateInfo{OrgID: "org", UserID: "user", ServerID: "slack-mcp"}

	t.Run("consume once", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "abc", info, time.Minute))
		assert.True(t, mr.Exists(keyPrefix+"abc"))

		got, err := store.Consume(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, info.UserID, got.UserID)
		assert.Equal(t, info.ServerID, got.ServerID)

		_, err = store.Consume(ctx, "abc")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("expired state", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "ttl", info, time.Minute))
		mr.FastForward(2 * time.Minute)

		_, err := store.Consume(ctx, "ttl")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})
}
