package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter is a fixed-window request counter per bot and identity. It
// throttles request bursts and is independent of usage quotas.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int64, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{redis: rdb, limit: limit, window: window}
}

func (r *RateLimiter) Allow(ctx context.Context, botID, identityKey string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(r.window)
	windowEnd := windowStart.Add(r.window)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("botline:ratelimit:%s:%s:%d", botID, identityKey, windowStart.Unix())
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// Deduplicator remembers client idempotency keys so a retried send is not
// run twice.
type Deduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, ttl: ttl}
}

func (d *Deduplicator) MarkFirst(ctx context.Context, scope, key string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, idemKey(scope, key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Release forgets a key so the same request may be sent again.
func (d *Deduplicator) Release(ctx context.Context, scope, key string) error {
	if err := d.redis.Del(ctx, idemKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

func idemKey(scope, key string) string {
	return "botline:idem:" + scope + ":" + key
}
