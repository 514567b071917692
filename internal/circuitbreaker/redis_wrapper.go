package circuitbreaker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client with a circuit breaker. Callers run
// arbitrary commands or pipelines through Do; a key miss (redis.Nil) is a
// normal outcome and never counted against the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker protection.
func NewRedisWrapper(client *redis.Client, settings Settings, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisWrapper{
		client: client,
		cb:     NewCircuitBreaker("redis", settings.ToConfig(), logger),
		logger: logger,
	}
}

// Do runs fn against the underlying client under the breaker. The returned
// error is fn's own error; breaker rejections surface as
// ErrCircuitBreakerOpen or ErrTooManyRequests.
func (w *RedisWrapper) Do(ctx context.Context, fn func(*redis.Client) error) error {
	var fnErr error
	cbErr := w.cb.Execute(ctx, func() error {
		fnErr = fn(w.client)
		if errors.Is(fnErr, redis.Nil) {
			// Misses are successful round trips.
			return nil
		}
		return fnErr
	})
	if cbErr != nil && !errors.Is(cbErr, fnErr) {
		return cbErr
	}
	return fnErr
}

// Ping checks Redis connectivity through the breaker.
func (w *RedisWrapper) Ping(ctx context.Context) error {
	return w.Do(ctx, func(c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// State returns the current breaker state.
func (w *RedisWrapper) State() State {
	return w.cb.State()
}

// Client exposes the raw client for callers that manage their own failure
// accounting (for example fail-open rate limiting).
func (w *RedisWrapper) Client() *redis.Client {
	return w.client
}

// Close closes the underlying client.
func (w *RedisWrapper) Close() error {
	return w.client.Close()
}
