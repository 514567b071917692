package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/circuitbreaker"
)

// RateLimiter enforces a per-user request budget on the chat endpoint using
// a Redis counter per one-minute window. Redis failures fail open: chat
// availability beats limiter precision.
type RateLimiter struct {
	redis             *circuitbreaker.RedisWrapper
	logger            *zap.Logger
	requestsPerMinute int
}

// NewRateLimiter creates a new rate limiter. A non-positive limit disables
// limiting entirely.
func NewRateLimiter(redis *circuitbreaker.RedisWrapper, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:             redis,
		logger:            logger,
		requestsPerMinute: requestsPerMinute,
	}
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil || rl.requestsPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := rl.limitKey(r)

		allowed, remaining, resetAt := rl.checkRateLimit(ctx, key)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", r.URL.Path),
			)

			w.Header().Set("Retry-After", fmt.Sprintf("%d", resetAt.Unix()-time.Now().Unix()))
			rl.sendRateLimitError(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitKey derives the counter key. Chat requests carry the user in the JSON
// body, so the body is peeked and restored for the handler. Requests without
// a user fall back to the client address; the handler rejects them anyway.
func (rl *RateLimiter) limitKey(r *http.Request) string {
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			var peek struct {
				UserID string `json:"user_id"`
			}
			if json.Unmarshal(body, &peek) == nil && peek.UserID != "" {
				return fmt.Sprintf("ratelimit:user:%s", peek.UserID)
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return fmt.Sprintf("ratelimit:ip:%s", host)
}

// checkRateLimit counts the request against the current one-minute window.
func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())
	resetAt = window.Add(time.Minute)

	var count int64
	err := rl.redis.Do(ctx, func(client *redis.Client) error {
		pipe := client.Pipeline()
		incr := pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, time.Minute+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	if err != nil {
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.requestsPerMinute, resetAt
	}

	remaining = rl.requestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return count <= int64(rl.requestsPerMinute), remaining, resetAt
}

func (rl *RateLimiter) sendRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"error":   "Rate limit exceeded",
		"message": "Too many requests. Please retry after the rate limit window resets.",
	}

	json.NewEncoder(w).Encode(response)
}
