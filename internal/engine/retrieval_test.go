package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/supportd/internal/vectordb"
)

func TestRetrieveMergesDocsBeforeDatabaseFacts(t *testing.T) {
	orders := &fakeOrders{row: map[string]interface{}{
		"order_id":   55,
		"first_name": "Ada",
		"last_name":  "Li",
	}}
	index := &fakeIndex{points: []vectordb.Point{
		docPoint("Refunds take 5 days.", "kb/refunds.md", "Refunds", 1, 0.88),
	}}
	e := newTestEngine(t, Deps{
		Orders:   orders,
		Embedder: &fakeEmbedder{vec: []float32{0.1, 0.2}},
		Vector:   index,
	})

	st := &State{
		Query:              "refund for order 55",
		UserID:             "u-1",
		OrderID:            55,
		ShouldRetrieveSQL:  true,
		ShouldRetrieveDocs: true,
	}
	e.retrieve(context.Background(), st)

	assert.Equal(t, "kb_documents", index.gotCollection)
	assert.Equal(t, 10, index.gotLimit)
	assert.Equal(t, "u-1", orders.gotUserID)
	assert.Equal(t, 55, orders.gotOrderID)

	require.Len(t, st.Docs, 1)
	require.Len(t, st.SQLRows, 1)
	require.Len(t, st.Citations, 2)
	assert.Equal(t, "kb/refunds.md", st.Citations[0].Source)
	assert.Equal(t, "db:orders#55", st.Citations[1].Source)
	assert.Equal(t, "orders", st.Citations[1].Title)

	assert.Equal(t, "Ada", st.FirstName)
	assert.Equal(t, "Li", st.LastName)
}

func TestRetrieveSQLMasksEmailsUnlessQuoted(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  string
	}{
		{"masked by default", "where is order 7?", "j***@***.com"},
		{"kept when user typed it", "is jane.doe@example.com on order 7?", "jane.doe@example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &fakeOrders{row: map[string]interface{}{
				"order_id":       7,
				"customer_email": "jane.doe@example.com",
			}}
			e := newTestEngine(t, Deps{Orders: orders})

			st := &State{Query: tc.query, UserID: "u-1", OrderID: 7}
			e.retrieveSQL(context.Background(), st)

			require.Len(t, st.SQLRows, 1)
			assert.Equal(t, tc.want, st.SQLRows[0]["customer_email"])
		})
	}
}

func TestRetrieveSQLGates(t *testing.T) {
	cases := []struct {
		name   string
		userID string
		order  int
	}{
		{"no user", "", 7},
		{"no order id", "u-1", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &fakeOrders{row: map[string]interface{}{"order_id": 7}}
			e := newTestEngine(t, Deps{Orders: orders})

			st := &State{Query: "q", UserID: tc.userID, OrderID: tc.order}
			e.retrieveSQL(context.Background(), st)

			assert.Zero(t, orders.calls)
			assert.Empty(t, st.SQLRows)
		})
	}
}

func TestRetrieveSQLNotFoundLeavesStateEmpty(t *testing.T) {
	orders := &fakeOrders{}
	e := newTestEngine(t, Deps{Orders: orders})

	st := &State{Query: "order 7", UserID: "u-1", OrderID: 7}
	e.retrieveSQL(context.Background(), st)

	assert.Equal(t, 1, orders.calls)
	assert.Empty(t, st.SQLRows)
	assert.Empty(t, st.Citations)
}

func TestRetrieveDocsReranksAndTruncates(t *testing.T) {
	index := &fakeIndex{points: []vectordb.Point{
		docPoint("chunk a", "kb/a.md", "A", 1, 0.90),
		docPoint("chunk b", "kb/b.md", "B", 2, 0.85),
		docPoint("chunk c", "kb/c.md", "C", 3, 0.80),
		docPoint("chunk d", "kb/d.md", "D", 4, 0.75),
	}}
	reranker := &fakeReranker{scores: []float64{0.1, 0.4, 0.2, 0.9}}
	e := newTestEngine(t, Deps{
		Embedder: &fakeEmbedder{vec: []float32{0.5}},
		Vector:   index,
		Reranker: reranker,
	})

	st := &State{Query: "policy question"}
	e.retrieveDocs(context.Background(), st)

	assert.Equal(t, []string{"chunk a", "chunk b", "chunk c", "chunk d"}, reranker.gotDocs)

	require.Len(t, st.Docs, 3)
	assert.Equal(t, "kb/d.md", st.Docs[0].Source)
	assert.Equal(t, "kb/b.md", st.Docs[1].Source)
	assert.Equal(t, "kb/c.md", st.Docs[2].Source)

	// Citations keep the vector similarity even after the rerank reorders.
	require.Len(t, st.Citations, 3)
	assert.Equal(t, 0.75, st.Citations[0].Score)
	assert.Equal(t, 0.85, st.Citations[1].Score)
	assert.Equal(t, 0.80, st.Citations[2].Score)
}

func TestRetrieveDocsKeepsVectorOrderWhenRerankFails(t *testing.T) {
	index := &fakeIndex{points: []vectordb.Point{
		docPoint("chunk a", "kb/a.md", "A", 1, 0.90),
		docPoint("chunk b", "kb/b.md", "B", 2, 0.85),
	}}
	e := newTestEngine(t, Deps{
		Embedder: &fakeEmbedder{vec: []float32{0.5}},
		Vector:   index,
		Reranker: &fakeReranker{err: assert.AnError},
	})

	st := &State{Query: "policy question"}
	e.retrieveDocs(context.Background(), st)

	require.Len(t, st.Docs, 2)
	assert.Equal(t, "kb/a.md", st.Docs[0].Source)
	assert.Equal(t, "kb/b.md", st.Docs[1].Source)
}

func TestRetrieveDocsSkipsRerankForSingleChunk(t *testing.T) {
	index := &fakeIndex{points: []vectordb.Point{
		docPoint("chunk a", "kb/a.md", "A", 1, 0.90),
	}}
	reranker := &fakeReranker{scores: []float64{0.5}}
	e := newTestEngine(t, Deps{
		Embedder: &fakeEmbedder{vec: []float32{0.5}},
		Vector:   index,
		Reranker: reranker,
	})

	st := &State{Query: "policy question"}
	e.retrieveDocs(context.Background(), st)

	assert.Nil(t, reranker.gotDocs)
	require.Len(t, st.Docs, 1)
}

func TestRetrieveSwallowsBranchFailures(t *testing.T) {
	e := newTestEngine(t, Deps{
		Orders:   &fakeOrders{err: assert.AnError},
		Embedder: &fakeEmbedder{err: assert.AnError},
		Vector:   &fakeIndex{},
	})

	st := &State{
		Query:              "refund for order 55",
		UserID:             "u-1",
		OrderID:            55,
		ShouldRetrieveSQL:  true,
		ShouldRetrieveDocs: true,
	}
	e.retrieve(context.Background(), st)

	assert.Empty(t, st.Docs)
	assert.Empty(t, st.SQLRows)
	assert.Empty(t, st.Citations)
}

func TestRetrieveNoBranchesIsNoOp(t *testing.T) {
	orders := &fakeOrders{}
	e := newTestEngine(t, Deps{Orders: orders, Embedder: &fakeEmbedder{}, Vector: &fakeIndex{}})

	st := &State{Query: "hello"}
	e.retrieve(context.Background(), st)

	assert.Zero(t, orders.calls)
	assert.Nil(t, st.Citations)
}
