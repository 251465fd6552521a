package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/queue"
)

// RateLimiter shapes ingress with a sliding 60-second window kept as a Redis
// sorted set of request timestamps: a soft per-minute limit plus a hard
// burst cap. Keys derive from the bearer token when present, else the client
// IP.
type RateLimiter struct {
	client  *queue.Client
	enabled bool
	perMin  int
	burst   int
	window  time.Duration
	log     zerolog.Logger
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(client *queue.Client, enabled bool, perMin, burst int, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		client:  client,
		enabled: enabled,
		perMin:  perMin,
		burst:   burst,
		window:  60 * time.Second,
		log:     log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow checks one request. Returns (allowed, retry-after seconds).
func (rl *RateLimiter) Allow(r *http.Request) (bool, int) {
	if !rl.enabled {
		return true, 0
	}

	key := "ratelimit:" + rl.clientKey(r)
	count, err := rl.client.SlidingWindowCount(r.Context(), key, time.Now(), rl.window)
	if err != nil {
		// Fail open: a Redis hiccup must not block ingress.
		rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true, 0
	}

	if count >= int64(rl.burst) {
		return false, int(rl.window.Seconds())
	}
	if count >= int64(rl.perMin) {
		// Soft limit exceeded: allow up to the burst cap, but signal the
		// caller to back off once the burst headroom is gone.
		remaining := int64(rl.burst) - count - 1
		if remaining <= 0 {
			return false, int(rl.window.Seconds() / 2)
		}
	}
	return true, 0
}

// Middleware applies the limiter and answers 429 with Retry-After on excess.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := rl.Allow(r)
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED",
				"rate limit exceeded", map[string]any{"retry_after": retryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey hashes the bearer token when present so the Redis key never
// contains a credential; otherwise the client IP is used.
func (rl *RateLimiter) clientKey(r *http.Request) string {
	if token := ExtractBearer(r.Header.Get("Authorization")); token != "" {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
