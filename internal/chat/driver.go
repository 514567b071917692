// Package chat orchestrates one conversation turn end to end: session
// lifecycle and ownership, the greeting, the retrieval pipeline, escalation
// hand-off, rolling summarization, and best-effort archival.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/archive"
	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/engine"
	"github.com/harborline/supportd/internal/masking"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/notify"
	"github.com/harborline/supportd/internal/session"
	"github.com/harborline/supportd/internal/tracing"
)

const (
	greetingFormat   = "Hello %s, how can I assist you today!"
	escalationNotice = "\n\nI've escalated this conversation to our support team — a human agent will follow up with you shortly."
	escalationReason = "User requested human assistance."

	notifyTimeout = 10 * time.Second
)

// Pipeline runs the retrieval pipeline for one turn.
type Pipeline interface {
	Run(ctx context.Context, st *engine.State) *engine.State
}

// Summarizer condenses a transcript to at most maxChars characters.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, maxChars int) (string, error)
}

// Notifier pushes escalation alerts to the support channel.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, alert notify.Alert) bool
}

// Archiver mirrors live sessions into long-term storage.
type Archiver interface {
	CreateSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (*archive.Session, error)
	AppendMessage(ctx context.Context, sessionID, role, content, userID string, createdAt time.Time) error
	UpsertSummary(ctx context.Context, sessionID, userID, summary string, messageCount int) error
}

// Deps bundles the driver's collaborators. Archive, Summarizer, and Notifier
// may be nil; the corresponding steps are skipped.
type Deps struct {
	Pipeline   Pipeline
	Sessions   *session.Store
	Archive    Archiver
	Summarizer Summarizer
	Notifier   Notifier
}

// Driver coordinates chat turns against the live session store.
type Driver struct {
	cfg        config.SessionConfig
	pipeline   Pipeline
	sessions   *session.Store
	archive    Archiver
	summarizer Summarizer
	notifier   Notifier
	logger     *zap.Logger
}

// NewDriver creates a turn driver.
func NewDriver(cfg config.SessionConfig, deps Deps, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:        cfg,
		pipeline:   deps.Pipeline,
		sessions:   deps.Sessions,
		archive:    deps.Archive,
		summarizer: deps.Summarizer,
		notifier:   deps.Notifier,
		logger:     logger,
	}
}

// Result is the outcome of one turn.
type Result struct {
	SessionID      string
	Answer         string
	Citations      []engine.Citation
	ShouldEscalate bool
	TraceID        string
	CacheHit       bool
	SessionStatus  session.Status
}

// Turn processes one user message. Session-store failures surface to the
// caller; pipeline, archive, and notification failures degrade inside their
// steps so the turn still completes.
func (d *Driver) Turn(ctx context.Context, userID, query, sessionID string) (*Result, error) {
	start := time.Now()
	metrics.TurnsStarted.Inc()

	now := time.Now().UTC()
	if sessionID == "" {
		sessionID = session.NewSessionID(userID, now)
	}

	meta, err := d.sessions.ReadMeta(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("read session meta: %w", err)
	}
	if meta != nil && meta.UserID != "" && meta.UserID != userID {
		return nil, session.ErrForbidden
	}

	// Archived sessions whose live state already expired still belong to
	// their original user.
	if d.archive != nil {
		arch, err := d.archive.GetSession(ctx, sessionID)
		if err != nil {
			d.logger.Warn("Archive session read failed",
				zap.String("session_id", sessionID), zap.Error(err))
		} else if arch != nil && arch.UserID != "" && arch.UserID != userID {
			return nil, session.ErrForbidden
		}
		if err := d.archive.CreateSession(ctx, sessionID, userID); err != nil {
			d.logger.Warn("Archive session create failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if meta == nil {
		meta = &session.Meta{
			SessionID: sessionID,
			UserID:    userID,
			Status:    session.StatusActive,
			CreatedAt: now,
		}
		if err := d.sessions.Register(ctx, userID, sessionID); err != nil {
			return nil, fmt.Errorf("register session: %w", err)
		}
		metrics.SessionsCreated.Inc()
	}
	if meta.UserID == "" {
		meta.UserID = userID
	}

	if meta.FirstName == "" {
		meta.FirstName, meta.LastName = masking.DeriveName(userID)
	}

	if !meta.GreetingSent {
		name := meta.FirstName
		if name == "" {
			name = "there"
		}
		greeting := fmt.Sprintf(greetingFormat, name)
		if err := d.sessions.AppendMessage(ctx, sessionID, session.Message{
			Role:      session.RoleAssistant,
			Content:   greeting,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("append greeting: %w", err)
		}
		meta.GreetingSent = true
		meta.MessageCount++
		d.archiveMessage(ctx, sessionID, session.RoleAssistant, greeting, userID, now)
	}

	// A session waiting on or talking to a human agent records the user's
	// message but never runs the pipeline.
	if meta.Status.Escalated() {
		if err := d.sessions.AppendMessage(ctx, sessionID, session.Message{
			Role:      session.RoleUser,
			Content:   query,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		meta.MessageCount++
		meta.LastQuery = query
		meta.LastUpdated = now
		d.archiveMessage(ctx, sessionID, session.RoleUser, query, userID, now)

		if err := d.sessions.WriteMeta(ctx, sessionID, meta); err != nil {
			return nil, fmt.Errorf("write session meta: %w", err)
		}

		metrics.TurnsCompleted.WithLabelValues("none", string(meta.Status)).Inc()
		metrics.TurnDuration.WithLabelValues("none").Observe(time.Since(start).Seconds())
		return &Result{
			SessionID:     sessionID,
			SessionStatus: meta.Status,
			TraceID:       tracing.TraceIDFromContext(ctx),
		}, nil
	}

	recent, err := d.sessions.Recent(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read recent messages: %w", err)
	}

	out := d.pipeline.Run(ctx, &engine.State{
		Query:          query,
		UserID:         userID,
		SessionID:      sessionID,
		RecentMessages: recent,
		SessionSummary: meta.Summary,
		FirstName:      meta.FirstName,
		LastName:       meta.LastName,
		TraceID:        tracing.TraceIDFromContext(ctx),
	})

	answer := out.Answer
	if out.ShouldEscalate {
		answer += escalationNotice
	}

	if err := d.sessions.AppendMessage(ctx, sessionID, session.Message{
		Role:      session.RoleUser,
		Content:   query,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	answerAt := time.Now().UTC()
	if err := d.sessions.AppendMessage(ctx, sessionID, session.Message{
		Role:      session.RoleAssistant,
		Content:   answer,
		CreatedAt: answerAt,
	}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	meta.MessageCount += 2
	meta.LastQuery = query
	meta.LastResponse = answer
	meta.LastUpdated = answerAt
	d.archiveMessage(ctx, sessionID, session.RoleUser, query, userID, now)
	d.archiveMessage(ctx, sessionID, session.RoleAssistant, answer, userID, answerAt)

	if out.ShouldEscalate && meta.Status.CanTransitionTo(session.StatusPendingHandoff) {
		meta.Status = session.StatusPendingHandoff
		escalatedAt := answerAt
		meta.EscalatedAt = &escalatedAt
		if meta.EscalationReason == "" {
			meta.EscalationReason = escalationReason
		}
		if err := d.sessions.EnqueueEscalation(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("enqueue escalation: %w", err)
		}
		metrics.Escalations.Inc()
		d.logger.Info("Session escalated to human agent",
			zap.String("session_id", sessionID),
			zap.String("query_type", out.QueryType))
		d.dispatchAlert(sessionID, userID, query, answer, meta.EscalationReason)
	}

	d.maybeSummarize(ctx, sessionID, userID, meta)

	if err := d.sessions.WriteMeta(ctx, sessionID, meta); err != nil {
		return nil, fmt.Errorf("write session meta: %w", err)
	}

	metrics.TurnsCompleted.WithLabelValues(out.QueryType, string(meta.Status)).Inc()
	metrics.TurnDuration.WithLabelValues(out.QueryType).Observe(time.Since(start).Seconds())

	return &Result{
		SessionID:      sessionID,
		Answer:         answer,
		Citations:      out.Citations,
		ShouldEscalate: out.ShouldEscalate,
		TraceID:        out.TraceID,
		CacheHit:       out.CacheHit,
		SessionStatus:  meta.Status,
	}, nil
}

// dispatchAlert sends the escalation notification without blocking the turn.
// The goroutine gets its own context so the alert survives the request.
func (d *Driver) dispatchAlert(sessionID, userEmail, query, answer, reason string) {
	if d.notifier == nil || !d.notifier.Enabled() {
		return
	}
	alert := notify.Alert{
		SessionID:       sessionID,
		UserEmail:       userEmail,
		UserQuery:       query,
		AssistantAnswer: answer,
		Reason:          reason,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		d.notifier.Send(ctx, alert)
	}()
}

// maybeSummarize refreshes the rolling summary once the buffer has grown
// past the configured floor and beyond the point the last summary covered.
// All failures leave the previous summary in place.
func (d *Driver) maybeSummarize(ctx context.Context, sessionID, userID string, meta *session.Meta) {
	if d.summarizer == nil {
		return
	}
	if meta.MessageCount < d.cfg.SummaryMinMessages || meta.MessageCount <= meta.SummaryMessageCount {
		return
	}

	history, err := d.sessions.AllMessages(ctx, sessionID, 2*d.cfg.SummaryHistoryLimit)
	if err != nil || len(history) == 0 {
		return
	}
	transcript := renderTranscript(history)
	if transcript == "" {
		return
	}

	summary, err := d.summarizer.Summarize(ctx, transcript, d.cfg.SummaryMaxChars)
	if err != nil {
		d.logger.Warn("Session summarization failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if summary == "" {
		return
	}

	meta.Summary = summary
	meta.SummaryMessageCount = meta.MessageCount
	if d.archive != nil {
		if err := d.archive.UpsertSummary(ctx, sessionID, userID, summary, meta.MessageCount); err != nil {
			d.logger.Warn("Archive summary upsert failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (d *Driver) archiveMessage(ctx context.Context, sessionID, role, content, userID string, at time.Time) {
	if d.archive == nil {
		return
	}
	if err := d.archive.AppendMessage(ctx, sessionID, role, content, userID, at); err != nil {
		d.logger.Warn("Archive message append failed",
			zap.String("session_id", sessionID),
			zap.String("role", role),
			zap.Error(err))
	}
}

func renderTranscript(msgs []session.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, m.Role+": "+content)
	}
	return strings.Join(lines, "\n")
}
