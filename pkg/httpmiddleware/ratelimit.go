package httpmiddleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig controls the fixed-window rate limiter.
type RateLimitConfig struct {
	// Max requests per client per window.
	Max int
	// Window duration.
	Window time.Duration
}

// rateLimiter counts requests per client in fixed windows. A window's counts
// are discarded wholesale when the window rolls over, which is accurate
// enough for an operational surface and keeps the limiter allocation-free on
// the hot path.
type rateLimiter struct {
	cfg RateLimitConfig

	mu          sync.Mutex
	windowStart time.Time
	counts      map[string]int
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:    cfg,
		counts: make(map[string]int),
	}
}

// allow reports whether the client identified by key may proceed, along with
// the remaining quota and when the current window resets.
func (rl *rateLimiter) allow(key string, now time.Time) (remaining int, resetAt time.Time, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.windowStart) >= rl.cfg.Window {
		rl.windowStart = now
		clear(rl.counts)
	}
	resetAt = rl.windowStart.Add(rl.cfg.Window)

	count := rl.counts[key]
	if count >= rl.cfg.Max {
		return 0, resetAt, false
	}
	rl.counts[key] = count + 1

	return rl.cfg.Max - count - 1, resetAt, true
}

// RateLimit returns a middleware limiting each client (by remote IP) to
// cfg.Max requests per cfg.Window. Rejections get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			remaining, resetAt, allowed := rl.allow(clientKey(r), now)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				retryAfter := int(resetAt.Sub(now).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the client by remote IP, ignoring the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
