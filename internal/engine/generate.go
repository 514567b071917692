package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harborline/supportd/internal/llm"
)

const generationFailurePrefix = "Failed to generate answer: "

const generateSystem = "You are a concise customer support assistant for an e-commerce company.\n" +
	"Database facts are authoritative. Policy context is advisory and may be partial.\n" +
	"If an identifier needed for a lookup is missing, ask one concise clarifying question.\n" +
	"Never disclose personal data (emails, addresses, names, phone numbers) the user has not explicitly provided; " +
	"when you must reference such data, use the masked form given in the database facts.\n" +
	"If the answer is not clearly supported by the provided material, say you are not sure and state what is missing."

// generate produces the answer for the turn. Orders resolved from the
// database get a deterministic template with no model call; everything else
// goes through the LLM with the assembled context. A failed call becomes the
// answer text so the driver still records the turn.
func (e *Engine) generate(ctx context.Context, st *State) {
	feedback := ""
	if st.Grounded == VerdictNotGrounded && st.GroundedExplanation != "" {
		feedback = st.GroundedExplanation
		st.GroundedRetryCount++
	}

	if answer, ok := orderAnswer(st.SQLRows); ok {
		st.Answer = answer
		return
	}

	if e.llm == nil {
		st.Answer = generationFailurePrefix + "no completion client configured"
		return
	}

	out, err := e.llm.Complete(ctx, llm.Request{
		Purpose:     "generate",
		System:      generateSystem,
		User:        buildPrompt(st, feedback),
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		st.Answer = generationFailurePrefix + err.Error()
		return
	}
	st.Answer = out
}

// orderAnswer renders the first row carrying an order id. Missing fields
// degrade to "unknown" rather than dropping the row.
func orderAnswer(rows []map[string]interface{}) (string, bool) {
	for _, row := range rows {
		id, ok := row["order_id"]
		if !ok || id == nil {
			continue
		}
		return fmt.Sprintf("Order #%v: %v x %v, ordered on %v, delivery %v.",
			formatValue(id),
			rowField(row, "quantity"),
			rowField(row, "product_name"),
			rowField(row, "order_date"),
			rowField(row, "delivery_date"),
		), true
	}
	return "", false
}

func rowField(row map[string]interface{}, key string) string {
	v, ok := row[key]
	if !ok || v == nil || v == "" {
		return "unknown"
	}
	return formatValue(v)
}

func formatValue(v interface{}) string {
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	return fmt.Sprintf("%v", v)
}

func buildPrompt(st *State, feedback string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User intent: %s.\n", st.QueryType)
	fmt.Fprintf(&b, "User question: %s\n\n", st.Query)

	b.WriteString("Session summary:\n")
	if st.SessionSummary != "" {
		b.WriteString(st.SessionSummary)
	} else {
		b.WriteString("[no session summary]")
	}
	b.WriteString("\n\n")

	b.WriteString("Recent conversation:\n")
	b.WriteString(renderConversation(st))
	b.WriteString("\n\n")

	b.WriteString("Database facts (authoritative, emails masked):\n")
	b.WriteString(renderRows(st.SQLRows))
	b.WriteString("\n\n")

	b.WriteString("Policy context (may be partial and noisy):\n")
	b.WriteString(renderDocs(st.Docs))

	if feedback != "" {
		fmt.Fprintf(&b, "\n\nGroundedness feedback: %s\n", feedback)
		b.WriteString("Please revise the answer to be strictly supported by the context above.")
	}

	b.WriteString("\n\nAnswer:")
	return b.String()
}

func renderConversation(st *State) string {
	lines := make([]string, 0, len(st.RecentMessages))
	for _, m := range st.RecentMessages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, m.Role+": "+content)
	}
	if len(lines) == 0 {
		return "[no recent conversation]"
	}
	return strings.Join(lines, "\n")
}

func renderRows(rows []map[string]interface{}) string {
	if len(rows) == 0 {
		return "[no database facts]"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, renderRow(row))
	}
	return strings.Join(lines, "\n")
}

// renderRow flattens one database row as "<kind>: k=v; ..." with keys sorted
// so prompts are stable across runs.
func renderRow(row map[string]interface{}) string {
	kind := "Record"
	switch {
	case row["order_id"] != nil:
		kind = "Order record"
	case row["product_id"] != nil:
		kind = "Product record"
	case row["customer_id"] != nil:
		kind = "Customer record"
	}

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if row[k] == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(row[k])))
	}
	return kind + ": " + strings.Join(parts, "; ")
}

func renderDocs(docs []Document) string {
	if len(docs) == 0 {
		return "[no retrieved context]"
	}
	sections := make([]string, 0, len(docs))
	for i, d := range docs {
		title := d.Title
		if title == "" {
			title = d.Source
		}
		header := fmt.Sprintf("[%d] %s — %s", i+1, title, d.Source)
		if d.Page != 0 {
			header += fmt.Sprintf(" (p.%d)", d.Page)
		}
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		sections = append(sections, header+"\n"+text)
	}
	if len(sections) == 0 {
		return "[no retrieved context]"
	}
	return strings.Join(sections, "\n\n")
}
