package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harborline/supportd/internal/masking"
)

// retrieve fans out the enabled retrieval branches, each on its own copy of
// the turn state, joins them, and merges the results. Branch failures are
// already swallowed inside the branch, so both goroutines return nil and the
// merge sees at worst empty results.
func (e *Engine) retrieve(ctx context.Context, st *State) {
	if !st.ShouldRetrieveSQL && !st.ShouldRetrieveDocs {
		return
	}

	var docsState, sqlState *State
	g, gctx := errgroup.WithContext(ctx)

	if st.ShouldRetrieveDocs {
		docsState = st.Clone()
		g.Go(func() error {
			e.retrieveDocs(gctx, docsState)
			return nil
		})
	}
	if st.ShouldRetrieveSQL {
		sqlState = st.Clone()
		g.Go(func() error {
			e.retrieveSQL(gctx, sqlState)
			return nil
		})
	}
	_ = g.Wait()

	// Docs first, then DB facts.
	citations := make([]Citation, 0)
	if docsState != nil {
		st.Docs = docsState.Docs
		citations = append(citations, docsState.Citations...)
	}
	if sqlState != nil {
		st.SQLRows = sqlState.SQLRows
		for k, v := range sqlState.Entities {
			if st.Entities == nil {
				st.Entities = make(map[string]interface{})
			}
			st.Entities[k] = v
		}
		if st.FirstName == "" {
			st.FirstName = sqlState.FirstName
		}
		if st.LastName == "" {
			st.LastName = sqlState.LastName
		}
		citations = append(citations, sqlState.Citations...)
	}
	st.Citations = citations
}

// retrieveSQL looks up the referenced order, gated on ownership by the
// requesting user. The returned row is masked before it can reach a prompt.
func (e *Engine) retrieveSQL(ctx context.Context, st *State) {
	if e.orders == nil || st.UserID == "" || st.OrderID == 0 {
		return
	}

	row, err := e.orders.OrderForUser(ctx, st.UserID, st.OrderID)
	if err != nil {
		e.logger.Warn("Order lookup failed",
			zap.String("session_id", st.SessionID),
			zap.Int("order_id", st.OrderID),
			zap.Error(err),
		)
		return
	}
	if row == nil {
		return
	}

	for _, field := range []string{"email", "customer_email"} {
		if v, ok := row[field].(string); ok {
			row[field] = masking.MaskEmail(v, st.Query)
		}
	}
	if st.FirstName == "" {
		if v, ok := row["first_name"].(string); ok {
			st.FirstName = v
		}
	}
	if st.LastName == "" {
		if v, ok := row["last_name"].(string); ok {
			st.LastName = v
		}
	}

	st.SQLRows = append(st.SQLRows, row)
	st.Citations = append(st.Citations, Citation{
		Source: fmt.Sprintf("db:orders#%v", row["order_id"]),
		Title:  "orders",
	})
}

// retrieveDocs embeds the query, pulls the top fetchK chunks from the
// knowledge base, reranks them when a cross-encoder is available, and keeps
// the best keepN.
func (e *Engine) retrieveDocs(ctx context.Context, st *State) {
	if e.embedder == nil || e.vector == nil || !e.vector.Enabled() {
		return
	}

	vector, err := e.embedder.GenerateEmbedding(ctx, st.Query)
	if err != nil {
		e.logger.Warn("Query embedding failed",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		return
	}

	points, err := e.vector.Query(ctx, e.kbCollection, vector, e.fetchK)
	if err != nil {
		e.logger.Warn("Knowledge base query failed",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		return
	}
	if len(points) == 0 {
		return
	}

	docs := make([]Document, 0, len(points))
	for _, p := range points {
		doc := Document{Score: p.Score}
		if v, ok := p.Payload["text"].(string); ok {
			doc.Text = v
		}
		if v, ok := p.Payload["source"].(string); ok {
			doc.Source = v
		}
		if v, ok := p.Payload["title"].(string); ok {
			doc.Title = v
		}
		if v, ok := p.Payload["page"].(float64); ok {
			doc.Page = int(v)
		}
		docs = append(docs, doc)
	}

	docs = e.rerank(ctx, st.Query, docs)
	if len(docs) > e.keepN {
		docs = docs[:e.keepN]
	}

	st.Docs = docs
	for _, d := range docs {
		st.Citations = append(st.Citations, Citation{
			Source: d.Source,
			Title:  d.Title,
			Page:   d.Page,
			Score:  d.Score,
		})
	}
}

// rerank reorders docs by cross-encoder score, best first. On any failure
// the vector ordering stands.
func (e *Engine) rerank(ctx context.Context, query string, docs []Document) []Document {
	if e.reranker == nil || !e.reranker.Enabled() || len(docs) < 2 {
		return docs
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	scores, err := e.reranker.Scores(ctx, query, texts)
	if err != nil || len(scores) != len(docs) {
		e.logger.Warn("Rerank failed, keeping vector order", zap.Error(err))
		return docs
	}

	idx := make([]int, len(docs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	out := make([]Document, len(docs))
	for i, j := range idx {
		out[i] = docs[j]
	}
	return out
}
