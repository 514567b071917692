package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/llm"
	"github.com/harborline/supportd/internal/metrics"
)

const judgeSystem = "You are a strict groundedness judge. Given context and an answer, decide whether " +
	"every factual claim in the answer is supported by the context. Reply with GROUNDED or NOT_GROUNDED " +
	"followed by a short reason."

// judge checks the generated answer against the retrieved documents. It only
// runs when documents were retrieved, so purely conversational turns and
// database-only turns skip the extra model call.
func (e *Engine) judge(ctx context.Context, st *State) {
	if len(st.Docs) == 0 || strings.TrimSpace(st.Answer) == "" {
		return
	}
	if e.llm == nil {
		return
	}

	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(renderDocs(st.Docs))
	b.WriteString("\n\nAnswer:\n")
	b.WriteString(st.Answer)
	b.WriteString("\n\nRespond in the format: <VERDICT> - <short reason>.")

	out, err := e.llm.Complete(ctx, llm.Request{
		Purpose:     "judge",
		System:      judgeSystem,
		User:        b.String(),
		Temperature: 0,
		MaxTokens:   60,
	})
	if err != nil {
		st.Grounded = VerdictUnknown
		st.GroundedExplanation = "Groundedness judge failed: " + err.Error()
		e.logger.Warn("Groundedness judge failed",
			zap.String("session_id", st.SessionID),
			zap.Error(err))
		metrics.GroundednessVerdicts.WithLabelValues(string(VerdictUnknown)).Inc()
		return
	}

	raw := strings.TrimSpace(out)
	upper := strings.ToUpper(raw)
	switch {
	case strings.HasPrefix(upper, "NOT_GROUNDED"):
		st.Grounded = VerdictNotGrounded
	case strings.HasPrefix(upper, "GROUNDED"):
		st.Grounded = VerdictGrounded
	default:
		st.Grounded = VerdictUnknown
	}
	st.GroundedExplanation = raw

	metrics.GroundednessVerdicts.WithLabelValues(string(st.Grounded)).Inc()
	if st.Grounded != VerdictGrounded {
		e.logger.Info("Answer not fully grounded",
			zap.String("session_id", st.SessionID),
			zap.String("verdict", string(st.Grounded)),
			zap.Int("retry_count", st.GroundedRetryCount))
	}
}
