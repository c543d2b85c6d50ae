package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Returns {hits in window, ms until the window resets}.
var fixedWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// RateLimitDecision is the outcome of one limiter check.
type RateLimitDecision struct {
	Allowed    bool
	Hits       int
	RetryAfter time.Duration
}

// RedisRateLimiter counts trigger calls per caller in fixed windows shared
// by every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "growthpact"
	}
	return &RedisRateLimiter{client: client, prefix: p + ":rate_limit"}
}

// Allow records one hit for subject under scope. A nil limiter, or a
// non-positive limit, always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return RateLimitDecision{Allowed: true}, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return RateLimitDecision{Allowed: true}, nil
	}
	if window < time.Second {
		window = time.Second
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	values, err := fixedWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(values) != 2 {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: unexpected reply length %d", key, len(values))
	}

	retryAfter := time.Duration(values[1]) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return RateLimitDecision{
		Allowed:    values[0] <= int64(limit),
		Hits:       int(values[0]),
		RetryAfter: retryAfter,
	}, nil
}
