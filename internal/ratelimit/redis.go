package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript is Window.Advance executed server-side so concurrent instances
// share one counter per key. Times are unix milliseconds.
var hitScript = redis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local now = tonumber(ARGV[1])
local length = tonumber(ARGV[2])
local count
if start == nil or now - start > length then
  start = now
  count = 1
  redis.call('HSET', KEYS[1], 'start', start, 'count', 1)
else
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end
redis.call('PEXPIRE', KEYS[1], length * 2)
return {count, start}
`)

// RedisStore keeps windows in Redis for multi-instance deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, length time.Duration) (Window, error) {
	vals, err := hitScript.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		now.UnixMilli(), length.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis rate window: %w", err)
	}
	if len(vals) != 2 {
		return Window{}, fmt.Errorf("redis rate window: unexpected reply %v", vals)
	}

	return Window{
		Key:         key,
		Count:       int(vals[0]),
		WindowStart: time.UnixMilli(vals[1]),
	}, nil
}
