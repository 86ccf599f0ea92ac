package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "cooldown:"
	// ttlSlack keeps an entry alive a little past the longest rate.
	ttlSlack = time.Minute
)

// EntryTTL is the Redis expiry for a bot whose longest cooldown is longest.
// An entry older than its rate is never consulted again, so it can go.
func EntryTTL(longest time.Duration) time.Duration {
	return max(longest, 0) + ttlSlack
}

// RedisStore shares cooldown entries between bot instances. Each entry holds
// the invocation time in unix milliseconds and expires after ttl, which must
// exceed the longest cooldown rate in use (see EntryTTL).
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = EntryTTL(0)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (r *RedisStore) Last(ctx context.Context, key string) (time.Time, bool, error) {
	v, err := r.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt cooldown entry %q: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (r *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	return r.rdb.Set(ctx, redisKeyPrefix+key, strconv.FormatInt(at.UnixMilli(), 10), r.ttl).Err()
}

func (r *RedisStore) Clear(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, redisKeyPrefix+key).Err()
}
