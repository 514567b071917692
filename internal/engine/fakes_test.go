package engine

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/llm"
	"github.com/harborline/supportd/internal/semcache"
	"github.com/harborline/supportd/internal/vectordb"
)

func newTestEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	cfg := config.VectorConfig{
		KBCollection:  "kb_documents",
		TopKDocuments: 10,
		TopNDocuments: 3,
	}
	return New(cfg, deps, zaptest.NewLogger(t))
}

// fakeLLM replays scripted replies keyed by request purpose and records every
// request it receives.
type fakeLLM struct {
	replies map[string][]string
	errs    map[string]error
	calls   []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.calls = append(f.calls, req)
	if err := f.errs[req.Purpose]; err != nil {
		return "", err
	}
	queue := f.replies[req.Purpose]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted reply for purpose %q", req.Purpose)
	}
	out := queue[0]
	f.replies[req.Purpose] = queue[1:]
	return out, nil
}

func (f *fakeLLM) byPurpose(purpose string) []llm.Request {
	var out []llm.Request
	for _, r := range f.calls {
		if r.Purpose == purpose {
			out = append(out, r)
		}
	}
	return out
}

type upsertCall struct {
	key     string
	payload map[string]interface{}
	query   string
}

type fakeCache struct {
	entry   *semcache.Entry
	probes  int
	upserts []upsertCall
}

func (f *fakeCache) Similar(_ context.Context, _ string) *semcache.Entry {
	f.probes++
	return f.entry
}

func (f *fakeCache) Upsert(_ context.Context, key string, payload map[string]interface{}, query string) {
	f.upserts = append(f.upserts, upsertCall{key: key, payload: payload, query: query})
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeIndex struct {
	points        []vectordb.Point
	err           error
	disabled      bool
	gotCollection string
	gotLimit      int
}

func (f *fakeIndex) Enabled() bool { return !f.disabled }

func (f *fakeIndex) Query(_ context.Context, collection string, _ []float32, limit int) ([]vectordb.Point, error) {
	f.gotCollection = collection
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

type fakeReranker struct {
	scores   []float64
	err      error
	disabled bool
	gotDocs  []string
}

func (f *fakeReranker) Enabled() bool { return !f.disabled }

func (f *fakeReranker) Scores(_ context.Context, _ string, documents []string) ([]float64, error) {
	f.gotDocs = documents
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

type fakeOrders struct {
	row        map[string]interface{}
	err        error
	calls      int
	gotUserID  string
	gotOrderID int
}

func (f *fakeOrders) OrderForUser(_ context.Context, userID string, orderID int) (map[string]interface{}, error) {
	f.calls++
	f.gotUserID = userID
	f.gotOrderID = orderID
	if f.err != nil {
		return nil, f.err
	}
	return f.row, nil
}

func docPoint(text, source, title string, page int, score float64) vectordb.Point {
	return vectordb.Point{
		ID:    source,
		Score: score,
		Payload: map[string]interface{}{
			"text":   text,
			"source": source,
			"title":  title,
			"page":   float64(page),
		},
	}
}
