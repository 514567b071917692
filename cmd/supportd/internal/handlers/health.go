package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger checks liveness of one backing component.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check requests. Components left nil report
// as disabled rather than failing.
type HealthHandler struct {
	redis    Pinger
	postgres Pinger
	vector   Pinger
	logger   *zap.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(redis, postgres, vector Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		redis:    redis,
		postgres: postgres,
		vector:   vector,
		logger:   logger,
	}
}

// HealthResponse reports per-component liveness.
type HealthResponse struct {
	Status   string `json:"status"`
	Redis    string `json:"redis"`
	Postgres string `json:"postgres"`
	Vector   string `json:"vector"`
}

// Health handles GET /health. Disabled components never degrade the overall
// status; failing ones do, but the endpoint itself still answers 200 so
// operators can read the breakdown.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "ok",
		Redis:    h.check(ctx, "redis", h.redis),
		Postgres: h.check(ctx, "postgres", h.postgres),
		Vector:   h.check(ctx, "vector", h.vector),
	}
	if response.Redis == "error" || response.Postgres == "error" || response.Vector == "error" {
		response.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, response)
}

// Readiness handles GET /readiness. The session store is the one hard
// dependency: without Redis no turn can be served.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.redis == nil || h.redis.Ping(ctx) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HealthHandler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(ctx); err != nil {
		h.logger.Warn("Component health check failed",
			zap.String("component", name),
			zap.Error(err),
		)
		return "error"
	}
	return "ok"
}
