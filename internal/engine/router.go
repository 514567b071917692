package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/llm"
	"github.com/harborline/supportd/internal/metrics"
)

// Order identifiers appear as "order number 42", "order #42", "#42", or a
// bare number as the whole message.
var (
	orderPhraseRe = regexp.MustCompile(`(?i)\border\s*(?:number|#)?\s*(\d{1,6})\b`)
	orderHashRe   = regexp.MustCompile(`#(\d{1,6})\b`)
	orderBareRe   = regexp.MustCompile(`^#?(\d{1,6})$`)

	// Order-status queries that also touch policy ground pull in documents.
	docsTooRe = regexp.MustCompile(`(?i)refund|policy|return|late|delay|delivery`)
)

const classifySystem = "You route customer support queries to a handling pipeline. " +
	"Choose the single most relevant label and reply with ONLY that label."

func classifyPrompt(query string) string {
	return fmt.Sprintf(
		"Labels: chitchat (greetings, small talk), policy_only (questions answered by policy documents), "+
			"needs_identifier (order questions without an order number), order_lookup (status of a specific order), "+
			"billing_issue (charges, refunds, invoices, payments), escalation (user demands a human agent or files a complaint).\n"+
			"Valid labels: %s.\n"+
			"Query: %s\n"+
			"Answer with ONE label from the list exactly.",
		strings.Join(queryTypes, " | "), query)
}

// route assigns QueryType, retrieval flags, escalation flag, and the order
// identifier when one is present in the query.
func (e *Engine) route(ctx context.Context, st *State) {
	st.OrderID = extractOrderID(st.Query)
	if st.OrderID != 0 {
		if st.Entities == nil {
			st.Entities = make(map[string]interface{})
		}
		st.Entities["order_id"] = st.OrderID
	}

	label := e.classify(ctx, st.Query)

	// An explicit order identifier always wins the classification.
	if st.OrderID != 0 {
		label = QueryOrderLookup
	}
	if label == QueryOrderLookup && st.OrderID == 0 {
		label = QueryNeedsIdentifier
	}
	if e.orders == nil {
		switch label {
		case QueryBillingIssue:
			label = QueryPolicyOnly
		case QueryOrderLookup:
			label = QueryNeedsIdentifier
		}
	}
	st.QueryType = label

	switch label {
	case QueryEscalation:
		st.ShouldEscalate = true
	case QueryPolicyOnly:
		st.ShouldRetrieveDocs = true
	case QueryOrderLookup:
		st.ShouldRetrieveSQL = true
		st.ShouldRetrieveDocs = docsTooRe.MatchString(st.Query)
	case QueryBillingIssue:
		st.ShouldRetrieveDocs = true
		st.ShouldRetrieveSQL = e.orders != nil && st.OrderID != 0
	}

	metrics.QueriesRouted.WithLabelValues(label).Inc()
	e.logger.Debug("Routed query",
		zap.String("session_id", st.SessionID),
		zap.String("query_type", label),
		zap.Int("order_id", st.OrderID),
		zap.Bool("sql", st.ShouldRetrieveSQL),
		zap.Bool("docs", st.ShouldRetrieveDocs),
	)
}

func (e *Engine) classify(ctx context.Context, query string) string {
	if e.llm != nil {
		out, err := e.llm.Complete(ctx, llm.Request{
			Purpose:     "route",
			System:      classifySystem,
			User:        classifyPrompt(query),
			Temperature: 0,
			MaxTokens:   10,
		})
		if err == nil {
			label := normalizeLabel(out)
			if isQueryType(label) {
				return label
			}
			e.logger.Debug("Classifier returned out-of-set label", zap.String("label", label))
		}
	}
	metrics.RouterFallbacks.Inc()
	return e.rules.Classify(query)
}

func normalizeLabel(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	return strings.Trim(label, ".,!?:;\"'`")
}

func extractOrderID(query string) int {
	matches := [][]string{
		orderPhraseRe.FindStringSubmatch(query),
		orderHashRe.FindStringSubmatch(query),
		orderBareRe.FindStringSubmatch(strings.TrimSpace(query)),
	}
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= 1 && n <= 999999 {
			return n
		}
	}
	return 0
}
