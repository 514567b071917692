package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/semcache"
)

// probeCache checks the semantic cache before retrieval. Only doc-only turns
// participate: answers that depend on per-user database rows must never be
// served to another user, so any turn with a SQL branch bypasses the cache
// entirely.
func (e *Engine) probeCache(ctx context.Context, st *State) {
	st.CacheHit = false
	st.ShouldCache = false
	st.CacheKey = ""

	if e.cache == nil || strings.TrimSpace(st.Query) == "" {
		return
	}
	if !st.ShouldRetrieveDocs || st.ShouldRetrieveSQL {
		return
	}

	st.CacheKey = semcache.Key(st.Query)

	entry := e.cache.Similar(ctx, st.Query)
	if entry == nil {
		st.ShouldCache = true
		return
	}

	st.CacheHit = true
	st.Answer = entry.Answer
	st.Citations = citationsFromMaps(entry.Citations)
	if entry.TraceID != "" {
		st.TraceID = entry.TraceID
	}
	e.logger.Debug("Semantic cache hit",
		zap.String("session_id", st.SessionID),
		zap.String("cache_key", st.CacheKey),
		zap.Float64("similarity", entry.Similarity),
	)
}

// writeBack stores the generated answer for future doc-only turns. Gated so
// cache entries only ever hold answers built from shared policy documents.
func (e *Engine) writeBack(ctx context.Context, st *State) {
	if e.cache == nil || !st.ShouldCache || st.CacheHit {
		return
	}
	if st.CacheKey == "" || st.UserID == "" {
		return
	}
	if st.Answer == "" || strings.HasPrefix(st.Answer, generationFailurePrefix) {
		return
	}

	payload := map[string]interface{}{
		"answer":     st.Answer,
		"query_type": st.QueryType,
	}
	if len(st.Citations) > 0 {
		payload["citations"] = st.Citations
	}
	if st.TraceID != "" {
		payload["trace_id"] = st.TraceID
	}
	e.cache.Upsert(ctx, st.CacheKey, payload, st.Query)
}

func citationsFromMaps(raw []map[string]interface{}) []Citation {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(raw))
	for _, item := range raw {
		c := Citation{}
		if v, ok := item["source"].(string); ok {
			c.Source = v
		}
		if v, ok := item["title"].(string); ok {
			c.Title = v
		}
		if v, ok := item["page"].(float64); ok {
			c.Page = int(v)
		}
		if v, ok := item["score"].(float64); ok {
			c.Score = v
		}
		out = append(out, c)
	}
	return out
}
