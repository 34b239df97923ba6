package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"github.com/redis/go-redis/v9"
)

const (
	scriptSHAKey = "SHA:slidingWindowScript"
	keyPrefix    = "ratelimit:"
)

//go:embed sliding_window.lua
var slidingWindowScript string

// RedisLimiter shares one sliding window per key across every gateway instance.
type RedisLimiter struct {
	redisClient *redis.Client
	name        string
	limit       int
	window      time.Duration
	now         func() time.Time
}

func NewRedisLimiter(redisClient *redis.Client, name string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		redisClient: redisClient,
		name:        name,
		limit:       limit,
		window:      window,
		now:         time.Now,
	}
}

// Counting the attempts in the window and recording a new one cannot be done in a MULTI/EXEC
// block without a race, so both happen inside one lua script.
func (l *RedisLimiter) executeScript(ctx context.Context, keys []string, argv ...interface{}) (int64, error) {
	sha := l.redisClient.Get(ctx, scriptSHAKey).Val()

	scriptExists := false
	if sha != "" {
		// redis may have restarted and dropped its script cache
		exists, err := l.redisClient.ScriptExists(ctx, sha).Result()
		if err != nil {
			return 0, err
		}
		scriptExists = len(exists) == 1 && exists[0]
	}

	if !scriptExists {
		loaded, err := l.redisClient.ScriptLoad(ctx, slidingWindowScript).Result()
		if err != nil {
			return 0, err
		}
		if err := l.redisClient.Set(ctx, scriptSHAKey, loaded, 0).Err(); err != nil {
			logger.Error("failed to store script sha", err.Error())
		}
		sha = loaded
	}

	return l.redisClient.EvalSha(ctx, sha, keys, argv...).Int64()
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - l.window.Milliseconds()

	reply, err := l.executeScript(ctx, []string{keyPrefix + l.name + ":" + key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(cutoff, 10),
		strconv.Itoa(l.limit),
		strconv.FormatInt(l.window.Milliseconds(), 10),
		fmt.Sprintf("%d-%s", nowMs, uuid.New().String()))
	if err != nil {
		return false, err
	}

	if reply == 0 {
		logger.Infof("rate limit exceeded for %s key %s", l.name, key)
		return false, nil
	}
	return true, nil
}
