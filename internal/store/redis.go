// redis.go -- go-redis counter store for multi-instance deployments.
//
// Counters live in Redis so every replica shares one view of each bucket.
// Increment runs as a Lua script: INCR and the first-hit PEXPIRE execute
// atomically server-side, so there is no read-modify-write window.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterKeyPrefix namespaces rate-limit counters in a shared Redis.
const counterKeyPrefix = "chiroport:rl:"

// incrementScript bumps the counter and sets its TTL on first hit.
// KEYS[1] = counter key, ARGV[1] = TTL in milliseconds.
// Returns the post-increment count.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// NewRedisClient parses redisURL and returns a client that answered PING.
// Call once at startup; the client is safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisCounterStore implements the rate limiter's CounterStore on Redis.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps an existing client. The caller owns rdb's lifecycle.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// Increment atomically bumps key and returns the new count.
// Keys expire window after their first increment, so stale windows are
// reclaimed by Redis itself.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, s.rdb, []string{counterKeyPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// CheckHealth pings Redis.
func (s *RedisCounterStore) CheckHealth(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close shuts down the underlying client.
func (s *RedisCounterStore) Close() error {
	return s.rdb.Close()
}
