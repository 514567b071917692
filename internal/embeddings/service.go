package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/tracing"
)

// Service generates query embeddings through the inference sidecar,
// memoizing recent vectors in a local LRU so repeated queries (cache probes,
// retries) do not re-embed.
type Service struct {
	cfg    config.EmbeddingsConfig
	http   *http.Client
	lru    *LocalLRU
	logger *zap.Logger
}

// NewService creates an embeddings client.
func NewService(cfg config.EmbeddingsConfig, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tracing.NewTransport(nil),
		},
		lru:    NewLocalLRU(cfg.MaxLRU),
		logger: logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// GenerateEmbedding returns the vector for a single text.
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.cfg.Model, text)
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "lru_hit", 0)
		return v, nil
	}

	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)
	payload := embedRequest{Texts: []string{text}, Model: s.cfg.Model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("no embeddings returned")
	}

	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())

	s.lru.Set(ctx, key, out, 30*time.Minute)
	return out, nil
}
