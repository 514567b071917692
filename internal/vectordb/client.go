package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/circuitbreaker"
	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/tracing"
)

// Client is a minimal Qdrant HTTP client. It prefers the modern
// /points/query endpoint and falls back to /points/search for older servers.
type Client struct {
	cfg    config.VectorConfig
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates a Qdrant client guarded by a circuit breaker.
func NewClient(cfg config.VectorConfig, breaker circuitbreaker.Settings, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: tracing.NewTransport(nil),
	}
	return &Client{
		cfg:    cfg,
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", breaker, logger),
		logger: logger,
	}
}

// Enabled reports whether vector retrieval is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

type qdrantQueryRequest struct {
	Query       []float32 `json:"query"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint, which nests points.
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Query runs a similarity search against a collection and returns scored
// points with payloads, best match first.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, limit int) ([]Point, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: query called while disabled")
	}
	if limit <= 0 {
		limit = c.cfg.TopKDocuments
	}
	start := time.Now()

	body := qdrantQueryRequest{Query: vector, Limit: limit, WithPayload: true}
	buf, _ := json.Marshal(body)

	resp, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/query", c.base, collection), buf)
	if err != nil {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Older Qdrant versions only speak /points/search with a
		// {vector: ...} payload.
		legacy := map[string]interface{}{"vector": vector, "limit": limit, "with_payload": true}
		buf2, _ := json.Marshal(legacy)
		resp2, err2 := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), buf2)
		if err2 != nil {
			metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search failed: %w", err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var sr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
			metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return toPoints(sr.Result), nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return toPoints(qr.Result.Points), nil
}

// Upsert inserts or updates points in a collection.
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) (*UpsertResponse, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: upsert called while disabled")
	}

	body := map[string]interface{}{"points": points}
	buf, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Delete removes points by id from a collection.
func (c *Client) Delete(ctx context.Context, collection string, ids []string) error {
	if !c.Enabled() {
		return fmt.Errorf("vectordb: delete called while disabled")
	}

	body := map[string]interface{}{"points": ids}
	buf, _ := json.Marshal(body)
	resp, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/delete", c.base, collection), buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant delete status %d", resp.StatusCode)
	}
	return nil
}

// Ping checks Qdrant liveness.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("vectordb disabled")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant healthz status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpw.Do(req)
}

func toPoints(in []qdrantPoint) []Point {
	out := make([]Point, 0, len(in))
	for _, p := range in {
		id := ""
		if p.ID != nil {
			id = fmt.Sprintf("%v", p.ID)
		}
		payload := p.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		out = append(out, Point{ID: id, Score: p.Score, Payload: payload})
	}
	return out
}
