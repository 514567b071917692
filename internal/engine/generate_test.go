package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/supportd/internal/session"
)

func TestGenerateOrderShortcutSkipsModel(t *testing.T) {
	llmFake := &fakeLLM{}
	e := newTestEngine(t, Deps{LLM: llmFake})

	st := &State{
		Query:     "where is order 55?",
		QueryType: QueryOrderLookup,
		SQLRows: []map[string]interface{}{{
			"order_id":      55,
			"quantity":      2,
			"product_name":  "Trail Shoes",
			"order_date":    time.Date(2025, 8, 12, 0, 0, 0, 0, time.UTC),
			"delivery_date": time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC),
		}},
	}
	e.generate(context.Background(), st)

	assert.Equal(t, "Order #55: 2 x Trail Shoes, ordered on 2025-08-12, delivery 2025-08-20.", st.Answer)
	assert.Empty(t, llmFake.calls)
}

func TestGenerateOrderShortcutDegradesMissingFields(t *testing.T) {
	e := newTestEngine(t, Deps{})

	st := &State{
		QueryType: QueryOrderLookup,
		SQLRows: []map[string]interface{}{{
			"order_id":     9,
			"product_name": "",
		}},
	}
	e.generate(context.Background(), st)

	assert.Equal(t, "Order #9: unknown x unknown, ordered on unknown, delivery unknown.", st.Answer)
}

func TestGeneratePromptSections(t *testing.T) {
	llmFake := &fakeLLM{replies: map[string][]string{"generate": {"You can return items within 30 days."}}}
	e := newTestEngine(t, Deps{LLM: llmFake})

	st := &State{
		Query:          "can I return my shoes?",
		QueryType:      QueryPolicyOnly,
		SessionSummary: "User asked about sizing earlier.",
		RecentMessages: []session.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "Hello Ada, how can I assist you today!"},
			{Role: "user", Content: "   "},
		},
		Docs: []Document{
			{Text: "Returns are accepted within 30 days.", Source: "kb/returns.md", Title: "Returns", Page: 2},
		},
	}
	e.generate(context.Background(), st)

	assert.Equal(t, "You can return items within 30 days.", st.Answer)

	reqs := llmFake.byPurpose("generate")
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, float32(0.1), req.Temperature)
	assert.Equal(t, 400, req.MaxTokens)
	assert.Contains(t, req.System, "Database facts are authoritative")

	assert.Contains(t, req.User, "User intent: policy_only.")
	assert.Contains(t, req.User, "User question: can I return my shoes?")
	assert.Contains(t, req.User, "User asked about sizing earlier.")
	assert.Contains(t, req.User, "user: hi\nassistant: Hello Ada")
	assert.Contains(t, req.User, "[no database facts]")
	assert.Contains(t, req.User, "[1] Returns — kb/returns.md (p.2)")
	assert.Contains(t, req.User, "Returns are accepted within 30 days.")
	assert.Contains(t, req.User, "Answer:")
	assert.NotContains(t, req.User, "Groundedness feedback")
}

func TestGeneratePromptPlaceholders(t *testing.T) {
	llmFake := &fakeLLM{replies: map[string][]string{"generate": {"ok"}}}
	e := newTestEngine(t, Deps{LLM: llmFake})

	st := &State{Query: "hello", QueryType: QueryChitchat}
	e.generate(context.Background(), st)

	reqs := llmFake.byPurpose("generate")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].User, "[no session summary]")
	assert.Contains(t, reqs[0].User, "[no recent conversation]")
	assert.Contains(t, reqs[0].User, "[no retrieved context]")
}

func TestGenerateRendersDatabaseFacts(t *testing.T) {
	llmFake := &fakeLLM{replies: map[string][]string{"generate": {"ok"}}}
	e := newTestEngine(t, Deps{LLM: llmFake})

	st := &State{
		Query:     "billing question about order 12",
		QueryType: QueryBillingIssue,
		SQLRows: []map[string]interface{}{{
			"customer_email": "j***@***.com",
			"unit_price":     49.99,
		}},
	}
	e.generate(context.Background(), st)

	reqs := llmFake.byPurpose("generate")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].User, "Record: customer_email=j***@***.com; unit_price=49.99")
}

func TestGenerateFailureBecomesAnswer(t *testing.T) {
	llmFake := &fakeLLM{errs: map[string]error{"generate": assert.AnError}}
	e := newTestEngine(t, Deps{LLM: llmFake})

	st := &State{Query: "can I return my shoes?", QueryType: QueryPolicyOnly}
	e.generate(context.Background(), st)

	assert.Contains(t, st.Answer, generationFailurePrefix)
	assert.Contains(t, st.Answer, assert.AnError.Error())
}

func TestGenerateWithoutModelReportsFailure(t *testing.T) {
	e := newTestEngine(t, Deps{})

	st := &State{Query: "can I return my shoes?", QueryType: QueryPolicyOnly}
	e.generate(context.Background(), st)

	assert.Contains(t, st.Answer, generationFailurePrefix)
}

func TestGenerateRetryAddsFeedback(t *testing.T) {
	llmFake := &fakeLLM{replies: map[string][]string{"generate": {"revised answer"}}}
	e := newTestEngine(t, Deps{LLM: llmFake})

	st := &State{
		Query:               "can I return my shoes?",
		QueryType:           QueryPolicyOnly,
		Grounded:            VerdictNotGrounded,
		GroundedExplanation: "NOT_GROUNDED - the 90 day window is not in the context",
	}
	e.generate(context.Background(), st)

	assert.Equal(t, 1, st.GroundedRetryCount)
	reqs := llmFake.byPurpose("generate")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].User, "Groundedness feedback: NOT_GROUNDED - the 90 day window is not in the context")
	assert.Contains(t, reqs[0].User, "Please revise the answer")
}

func TestGenerateRetryCountsEvenOnShortcut(t *testing.T) {
	e := newTestEngine(t, Deps{})

	st := &State{
		QueryType:           QueryOrderLookup,
		SQLRows:             []map[string]interface{}{{"order_id": 3}},
		Grounded:            VerdictNotGrounded,
		GroundedExplanation: "NOT_GROUNDED - reason",
	}
	e.generate(context.Background(), st)

	assert.Equal(t, 1, st.GroundedRetryCount)
	assert.Contains(t, st.Answer, "Order #3:")
}
