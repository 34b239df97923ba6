package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "oauth_state:"

// RedisStateStore shares pending states between gateway replicas. Expiry is left to Redis.
type RedisStateStore struct {
	redisClient *redis.Client
}

func NewRedisStateStore(redisClient *redis.Client) *RedisStateStore {
	return &RedisStateStore{redisClient: redisClient}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, info StateInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.redisClient.Set(ctx, keyPrefix+state, data, ttl).Err()
}

// Consume reads and deletes the state in one round trip so two callbacks cannot both use it.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*StateInfo, error) {
	data, err := s.redisClient.GetDel(ctx, keyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}

	var info StateInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *RedisStateStore) PurgeExpired(ctx context.Context) int {
	return 0
}
