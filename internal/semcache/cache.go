// Package semcache caches final answers for policy-style questions keyed by
// query meaning: lookups embed the incoming query and match against stored
// queries by cosine similarity. Identical wording also matches by key. The
// cache is strictly best-effort and never fails a request.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/vectordb"
)

// Embedder turns text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the slice of the vector client the cache uses.
type VectorStore interface {
	Query(ctx context.Context, collection string, vector []float32, limit int) ([]vectordb.Point, error)
	Upsert(ctx context.Context, collection string, points []vectordb.UpsertItem) (*vectordb.UpsertResponse, error)
	Delete(ctx context.Context, collection string, ids []string) error
}

// Entry is a cached answer. Citations carry the decoded payload maps
// (source, title, page, score) exactly as they were stored.
type Entry struct {
	Key        string
	Query      string
	Answer     string
	Citations  []map[string]interface{}
	QueryType  string
	TraceID    string
	CreatedAt  string
	Similarity float64
}

// Cache is the semantic answer cache.
type Cache struct {
	store      VectorStore
	embedder   Embedder
	collection string
	threshold  float64
	topK       int
	logger     *zap.Logger
}

// New creates a semantic cache over the given collection.
func New(store VectorStore, embedder Embedder, collection string, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.9
	}
	if cfg.TopK == 0 {
		cfg.TopK = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:      store,
		embedder:   embedder,
		collection: collection,
		threshold:  cfg.SimilarityThreshold,
		topK:       cfg.TopK,
		logger:     logger,
	}
}

// Key returns the deterministic cache key for a query: hex SHA-256 of the
// lowercased, trimmed text.
func Key(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Similar returns the best cached answer whose stored query is similar
// enough to the given one, or nil on miss. Lookup failures are logged and
// reported as misses.
func (c *Cache) Similar(ctx context.Context, query string) *Entry {
	vec, err := c.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		c.logger.Warn("Cache lookup embed failed", zap.Error(err))
		metrics.CacheMisses.Inc()
		return nil
	}

	points, err := c.store.Query(ctx, c.collection, vec, c.topK)
	if err != nil {
		c.logger.Warn("Cache lookup query failed", zap.Error(err))
		metrics.CacheMisses.Inc()
		return nil
	}

	for _, p := range points {
		if p.Score < c.threshold {
			continue
		}
		entry := &Entry{Key: p.ID, Similarity: p.Score}
		entry.Query, _ = p.Payload["query"].(string)
		entry.Answer, _ = p.Payload["answer"].(string)
		entry.QueryType, _ = p.Payload["query_type"].(string)
		entry.TraceID, _ = p.Payload["trace_id"].(string)
		entry.CreatedAt, _ = p.Payload["created_at"].(string)
		if raw, ok := p.Payload["citations"].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &entry.Citations); err != nil {
				c.logger.Warn("Cache entry has undecodable citations",
					zap.String("key", p.ID),
					zap.Error(err),
				)
				entry.Citations = nil
			}
		}
		metrics.CacheHits.Inc()
		return entry
	}
	metrics.CacheMisses.Inc()
	return nil
}

// Upsert stores an answer under key. The payload's citations value is
// re-serialized to a JSON string because the vector store only keeps scalar
// metadata; nil fields are dropped and created_at defaults to now. Failures
// are logged and swallowed.
func (c *Cache) Upsert(ctx context.Context, key string, payload map[string]interface{}, query string) {
	meta := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		if v == nil {
			continue
		}
		meta[k] = v
	}
	if cit, ok := meta["citations"]; ok {
		buf, err := json.Marshal(cit)
		if err != nil {
			delete(meta, "citations")
		} else {
			meta["citations"] = string(buf)
		}
	}
	if _, ok := meta["created_at"]; !ok {
		meta["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	meta["query"] = query

	vec, err := c.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		c.logger.Warn("Cache write-back embed failed", zap.Error(err))
		return
	}
	_, err = c.store.Upsert(ctx, c.collection, []vectordb.UpsertItem{
		{ID: key, Vector: vec, Payload: meta},
	})
	if err != nil {
		c.logger.Warn("Cache write-back failed", zap.String("key", key), zap.Error(err))
		return
	}
	metrics.CacheWriteBacks.Inc()
}

// Delete removes a cached answer. Failures are logged and swallowed.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, c.collection, []string{key}); err != nil {
		c.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
