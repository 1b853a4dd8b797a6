package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// minLimiterWindow is the shortest window the limiter will keep a counter for.
const minLimiterWindow = time.Second

// windowCounter bumps the counter for KEYS[1], starting its expiry on the first hit of a
// window, and replies with {hits, remaining ms}.
var windowCounter = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {hits, redis.call("PTTL", KEYS[1])}
`)

// RateLimiter counts requests per (scope, subject) in fixed windows.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RedisRateLimiter keeps one expiring counter per scope and subject, shared by every
// replica that talks to the same Redis.
type RedisRateLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, keyPrefix: redisNamespace(prefix, "rate_limit")}
}

// ConsumeRateLimit counts one request and reports the hits so far in the current window
// along with the whole seconds left before it resets. The caller compares count against
// limit. Blank scope or subject, or a non-positive limit, counts nothing.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < minLimiterWindow {
		window = minLimiterWindow
	}

	reply, err := windowCounter.Run(ctx, r.client, []string{r.keyPrefix + ":" + scope + ":" + subject}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	hits, remaining, err := decodeWindowReply(reply)
	if err != nil {
		return 0, 0, err
	}
	// PTTL is negative when the key lost its expiry; treat that as a fresh window.
	if remaining <= 0 {
		remaining = window
	}
	return hits, secondsUntil(remaining), nil
}

func decodeWindowReply(reply interface{}) (int, time.Duration, error) {
	fields, ok := reply.([]interface{})
	if !ok || len(fields) != 2 {
		return 0, 0, fmt.Errorf("rate limit: malformed reply %v", reply)
	}
	hits, hitsOK := fields[0].(int64)
	ttlMs, ttlOK := fields[1].(int64)
	if !hitsOK || !ttlOK {
		return 0, 0, fmt.Errorf("rate limit: malformed reply fields %T, %T", fields[0], fields[1])
	}
	return int(hits), time.Duration(ttlMs) * time.Millisecond, nil
}

// secondsUntil rounds d up to whole seconds, never below one.
func secondsUntil(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
