package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "ratelimit:"

// RateLimiter limits requests per client IP over a sliding window kept in a
// Redis sorted set per (scope, ip).
type RateLimiter struct {
	client  redis.Cmdable
	scope   string
	maxReqs int
	window  time.Duration
}

// NewRateLimiter allows maxReqs per window for each client IP. scope
// separates the counters of independently limited routes.
func NewRateLimiter(client redis.Cmdable, scope string, maxReqs int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, scope: scope, maxReqs: maxReqs, window: window}
}

// Middleware enforces the limit and fails open when Redis is unreachable.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		key := rateLimitPrefix + rl.scope + ":" + ip

		count, err := rl.hit(r.Context(), key)
		if err != nil {
			slog.Warn("rate limiter: redis error, failing open", "error", err, "ip", ip, "scope", rl.scope)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(0, int64(rl.maxReqs)-count-1)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.maxReqs))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count >= int64(rl.maxReqs) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			tooManyRequests(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
}

// hit records the request and returns how many requests preceded it in the
// window.
func (rl *RateLimiter) hit(ctx context.Context, key string) (int64, error) {
	now := time.Now()
	windowStart := now.Add(-rl.window).UnixMilli()

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: fmt.Sprintf("%d", now.UnixNano())})
	pipe.Expire(ctx, key, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP or the peer
// address, in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
