package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/llm"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/semcache"
	"github.com/harborline/supportd/internal/vectordb"
)

// CompletionClient produces chat completions for routing, generation,
// judging, and summarization.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// AnswerCache is the semantic answer cache probed on doc-only turns.
type AnswerCache interface {
	Similar(ctx context.Context, query string) *semcache.Entry
	Upsert(ctx context.Context, key string, payload map[string]interface{}, query string)
}

// Embedder turns query text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// DocumentIndex serves similarity search over the knowledge base.
type DocumentIndex interface {
	Enabled() bool
	Query(ctx context.Context, collection string, vector []float32, limit int) ([]vectordb.Point, error)
}

// Reranker rescores retrieved chunks with a cross-encoder.
type Reranker interface {
	Enabled() bool
	Scores(ctx context.Context, query string, documents []string) ([]float64, error)
}

// OrderStore answers ownership-gated order lookups.
type OrderStore interface {
	OrderForUser(ctx context.Context, userID string, orderID int) (map[string]interface{}, error)
}

// Deps bundles the engine's collaborators. Any of them may be nil; the
// pipeline stage that needs a missing collaborator becomes a no-op. A nil
// Rules means the built-in classification rules.
type Deps struct {
	LLM      CompletionClient
	Cache    AnswerCache
	Embedder Embedder
	Vector   DocumentIndex
	Reranker Reranker
	Orders   OrderStore
	Rules    *RuleSet
}

// Engine coordinates the pipeline stages for one turn.
type Engine struct {
	llm      CompletionClient
	cache    AnswerCache
	embedder Embedder
	vector   DocumentIndex
	reranker Reranker
	orders   OrderStore
	rules    *RuleSet
	logger   *zap.Logger

	kbCollection string
	fetchK       int
	keepN        int
}

// New creates an engine. cfg supplies the knowledge-base collection name and
// retrieval depths.
func New(cfg config.VectorConfig, deps Deps, logger *zap.Logger) *Engine {
	fetchK := cfg.TopKDocuments
	if fetchK <= 0 {
		fetchK = 10
	}
	keepN := cfg.TopNDocuments
	if keepN <= 0 {
		keepN = 3
	}
	rules := deps.Rules
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Engine{
		llm:          deps.LLM,
		cache:        deps.Cache,
		embedder:     deps.Embedder,
		vector:       deps.Vector,
		reranker:     deps.Reranker,
		orders:       deps.Orders,
		rules:        rules,
		logger:       logger,
		kbCollection: cfg.KBCollection,
		fetchK:       fetchK,
		keepN:        keepN,
	}
}

// Run executes the pipeline on st and returns it. Stage failures degrade
// (empty retrieval, error answer text) rather than aborting the turn.
func (e *Engine) Run(ctx context.Context, st *State) *State {
	e.route(ctx, st)

	e.probeCache(ctx, st)
	if st.CacheHit {
		return st
	}

	e.retrieve(ctx, st)

	for {
		e.generate(ctx, st)
		e.judge(ctx, st)
		if st.Grounded == VerdictNotGrounded && st.GroundedRetryCount < 1 {
			metrics.GenerationRetries.Inc()
			continue
		}
		break
	}

	e.writeBack(ctx, st)
	return st
}
