package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the key and starts its expiry on the first
// hit of a window. Returns {count, pttl}. The PTTL repair covers keys that
// lost their expiry (e.g. restored from a snapshot).
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares fixed-window counters between instances. The script runs
// atomically on the server, so concurrent instances never over-admit.
type RedisStore struct {
	client  redis.Scripter
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
	nowFunc func() time.Time
}

func NewRedisStore(client redis.Scripter, prefix string, limit int, window, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		limit:   limit,
		window:  window,
		timeout: timeout,
		nowFunc: time.Now,
	}
}

func (s *RedisStore) Allow(ctx context.Context, key string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis fixed window: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("redis fixed window: unexpected reply length %d", len(vals))
	}
	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	return Result{
		Allowed: count <= s.limit,
		Count:   count,
		Limit:   s.limit,
		ResetAt: s.nowFunc().Add(ttl),
	}, nil
}
