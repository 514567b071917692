// Package engine runs the retrieval-augmented pipeline for one chat turn:
// route the query, probe the semantic cache, fan out SQL and document
// retrieval, generate the answer, and judge its groundedness with a single
// retry. The engine never fails a turn; collaborator errors degrade to
// empty results or an error answer.
package engine

import (
	"github.com/harborline/supportd/internal/session"
)

// Query types assigned by the router.
const (
	QueryChitchat        = "chitchat"
	QueryPolicyOnly      = "policy_only"
	QueryNeedsIdentifier = "needs_identifier"
	QueryOrderLookup     = "order_lookup"
	QueryBillingIssue    = "billing_issue"
	QueryEscalation      = "escalation"
)

var queryTypes = []string{
	QueryChitchat,
	QueryPolicyOnly,
	QueryNeedsIdentifier,
	QueryOrderLookup,
	QueryBillingIssue,
	QueryEscalation,
}

// Verdict is the groundedness judgement for a generated answer.
type Verdict string

const (
	VerdictUnknown     Verdict = "unknown"
	VerdictGrounded    Verdict = "grounded"
	VerdictNotGrounded Verdict = "not_grounded"
)

// Citation points at the material an answer drew from: a knowledge-base
// chunk or a database row.
type Citation struct {
	Source string  `json:"source"`
	Title  string  `json:"title,omitempty"`
	Page   int     `json:"page,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Document is one retrieved knowledge-base chunk.
type Document struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Title  string  `json:"title,omitempty"`
	Page   int     `json:"page,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// State is the turn state threaded through the pipeline stages. It is pure
// data; collaborator handles live on the Engine so copies never alias live
// clients.
type State struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`

	QueryType string `json:"query_type,omitempty"`
	OrderID   int    `json:"order_id,omitempty"`

	ShouldRetrieveSQL  bool `json:"should_retrieve_sql"`
	ShouldRetrieveDocs bool `json:"should_retrieve_docs"`
	ShouldEscalate     bool `json:"should_escalate"`

	Entities  map[string]interface{}   `json:"entities,omitempty"`
	SQLRows   []map[string]interface{} `json:"sql_rows,omitempty"`
	Docs      []Document               `json:"docs,omitempty"`
	Citations []Citation               `json:"citations,omitempty"`

	RecentMessages []session.Message `json:"recent_messages,omitempty"`
	SessionSummary string            `json:"session_summary,omitempty"`
	FirstName      string            `json:"first_name,omitempty"`
	LastName       string            `json:"last_name,omitempty"`

	Answer string `json:"answer,omitempty"`

	CacheKey    string `json:"cache_key,omitempty"`
	CacheHit    bool   `json:"cache_hit"`
	ShouldCache bool   `json:"should_cache"`
	TraceID     string `json:"trace_id,omitempty"`

	Grounded            Verdict `json:"grounded,omitempty"`
	GroundedExplanation string  `json:"grounded_explanation,omitempty"`
	GroundedRetryCount  int     `json:"grounded_retry_count"`
}

// Clone returns a deep copy safe for a retrieval goroutine to mutate.
func (s *State) Clone() *State {
	out := *s
	if s.Entities != nil {
		out.Entities = make(map[string]interface{}, len(s.Entities))
		for k, v := range s.Entities {
			out.Entities[k] = v
		}
	}
	if s.SQLRows != nil {
		out.SQLRows = make([]map[string]interface{}, 0, len(s.SQLRows))
		for _, row := range s.SQLRows {
			copied := make(map[string]interface{}, len(row))
			for k, v := range row {
				copied[k] = v
			}
			out.SQLRows = append(out.SQLRows, copied)
		}
	}
	out.Docs = append([]Document(nil), s.Docs...)
	out.Citations = append([]Citation(nil), s.Citations...)
	out.RecentMessages = append([]session.Message(nil), s.RecentMessages...)
	return &out
}

func isQueryType(label string) bool {
	for _, qt := range queryTypes {
		if qt == label {
			return true
		}
	}
	return false
}
