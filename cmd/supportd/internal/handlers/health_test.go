package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHealthReportsComponents(t *testing.T) {
	h := NewHealthHandler(fakePinger{}, fakePinger{err: errors.New("connection refused")}, nil, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Health), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Redis)
	assert.Equal(t, "error", resp.Postgres)
	assert.Equal(t, "disabled", resp.Vector)
}

func TestHealthAllComponentsUp(t *testing.T) {
	h := NewHealthHandler(fakePinger{}, fakePinger{}, fakePinger{}, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Health), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Vector)
}

func TestReadiness(t *testing.T) {
	ready := NewHealthHandler(fakePinger{}, nil, nil, zaptest.NewLogger(t))
	rec := doJSON(t, http.HandlerFunc(ready.Readiness), http.MethodGet, "/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewHealthHandler(fakePinger{err: errors.New("redis down")}, nil, nil, zaptest.NewLogger(t))
	rec = doJSON(t, http.HandlerFunc(down.Readiness), http.MethodGet, "/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
