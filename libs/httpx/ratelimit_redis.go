package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window rate limiter backed by Redis, shared by all replicas.
type RedisRateLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

var redisFixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

func NewRedisRateLimiter(rdb redis.UniversalClient, limit int, window time.Duration, prefix string) *RedisRateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

// Middleware rejects clients over budget. With failOpen, Redis errors let the request through.
func (rl *RedisRateLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := rl.Allow(r.Context(), clientKey(r))
			if err != nil {
				if logger != nil {
					logger.Warn("redis rate limiter error", "err", err)
				}
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, "rate_limiter_unavailable", "rate limiter unavailable")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, client string) (bool, error) {
	count, err := rl.incr(ctx, rl.prefix+":"+client)
	if err != nil {
		return false, err
	}
	return count <= int64(rl.limit), nil
}

func (rl *RedisRateLimiter) incr(ctx context.Context, key string) (int64, error) {
	ms := rl.window.Milliseconds()
	if ms <= 0 {
		ms = int64(time.Minute / time.Millisecond)
	}
	res, err := redisFixedWindowScript.Run(ctx, rl.rdb, []string{key}, ms).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
}
