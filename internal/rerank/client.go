// Package rerank scores query/document pairs with the cross-encoder served
// by the inference sidecar. Retrieval uses the scores to reorder vector hits
// before truncating to the final context window.
package rerank

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
	"github.com/harborline/supportd/internal/tracing"
)

// Client calls POST {base}/rerank/.
type Client struct {
	cfg    config.RerankConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a rerank client. An empty base URL falls back to the
// embeddings base so both models can share one sidecar.
func NewClient(cfg config.RerankConfig, embeddingsBaseURL string, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = embeddingsBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tracing.NewTransport(nil),
		},
		logger: logger,
	}
}

// Enabled reports whether reranking is configured and turned on.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.cfg.BaseURL != ""
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Scores returns one relevance score per document, in input order.
func (c *Client) Scores(ctx context.Context, query string, documents []string) ([]float64, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("rerank disabled")
	}
	if len(documents) == 0 {
		return nil, nil
	}

	buf, _ := json.Marshal(rerankRequest{Query: query, Documents: documents})
	url := fmt.Sprintf("%s/rerank/", c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(body))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	if len(rr.Scores) != len(documents) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(rr.Scores), len(documents))
	}
	return rr.Scores, nil
}
