package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-client token bucket kept in process memory. It is the fallback when no
// Redis is configured; with several replicas each one enforces its own budget.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	idle     time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
	calls    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const sweepEvery = 1024

func NewRateLimiter(perWindow int, window time.Duration) *RateLimiter {
	if perWindow <= 0 {
		perWindow = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perWindow) / window.Seconds()),
		burst:    perWindow,
		idle:     2 * window,
		visitors: map[string]*visitor{},
	}
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientKey(r), time.Now()) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allow reports whether key may spend one token at now.
func (rl *RateLimiter) Allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls++
	if rl.calls%sweepEvery == 0 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
	}

	v := rl.visitors[key]
	if v == nil {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit <= 0 {
		return 60
	}
	secs := int(1 / float64(rl.limit))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
