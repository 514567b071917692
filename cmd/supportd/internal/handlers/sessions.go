package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/archive"
	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/session"
)

// ArchiveStore is the slice of the archival store the session endpoints use.
// A nil ArchiveStore disables archival behavior: listings cover live
// sessions only and closing discards history.
type ArchiveStore interface {
	CreateSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (*archive.Session, error)
	ListSessions(ctx context.Context, userID string, limit int, includeClosed bool) ([]archive.Session, error)
	AppendMessage(ctx context.Context, sessionID, role, content, userID string, createdAt time.Time) error
	CountMessages(ctx context.Context, sessionID string) (int, error)
	Messages(ctx context.Context, sessionID string, limit int, cursor string) ([]archive.Message, string, error)
	CloseSession(ctx context.Context, sessionID string, summary *string, metadata archive.JSONB) error
	GetSummary(ctx context.Context, sessionID string) (*archive.Summary, error)
}

// Summarizer condenses a transcript for the archival record.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, maxChars int) (string, error)
}

// SessionsHandler handles session lifecycle requests.
type SessionsHandler struct {
	store      *session.Store
	archive    ArchiveStore
	summarizer Summarizer
	cfg        config.SessionConfig
	logger     *zap.Logger
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(
	store *session.Store,
	archiveStore ArchiveStore,
	summarizer Summarizer,
	cfg config.SessionConfig,
	logger *zap.Logger,
) *SessionsHandler {
	return &SessionsHandler{
		store:      store,
		archive:    archiveStore,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
	}
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// CreateSessionResponse is the body of POST /v1/sessions.
type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
	Summary   string    `json:"summary,omitempty"`
}

// SessionView is one session in API responses, sourced from either the live
// store or the archive.
type SessionView struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
}

// ListSessionsResponse is the body of GET /v1/sessions.
type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
}

// MessageView is one conversation turn in API responses.
type MessageView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// MessagesResponse is the body of GET /v1/sessions/{sid}/messages.
type MessagesResponse struct {
	Messages   []MessageView `json:"messages"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// CloseSessionRequest is the optional body of POST /v1/sessions/{sid}/close.
type CloseSessionRequest struct {
	Summary  string                 `json:"summary,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CloseSessionResponse confirms a close.
type CloseSessionResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Create handles POST /v1/sessions. Clients may supply their own session id;
// reusing an id that belongs to another user conflicts. Recreating your own
// live session is idempotent and returns the existing record.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = session.NewSessionID(req.UserID, now)
	}

	existing, err := h.store.ReadMeta(ctx, sessionID)
	switch {
	case err == nil:
		if existing.UserID != req.UserID {
			sendError(w, "Session id already in use", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, createResponse(existing))
		return
	case errors.Is(err, session.ErrNotFound):
		// Fall through to creation.
	default:
		h.logger.Error("Failed to read session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	createdAt := now
	summary := ""
	summaryCount := 0
	if h.archive != nil {
		archived, err := h.archive.GetSession(ctx, sessionID)
		if err != nil {
			h.logger.Error("Failed to check archived session", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		if archived != nil {
			if archived.UserID != req.UserID {
				sendError(w, "Session id already in use", http.StatusConflict)
				return
			}
			if archived.Status == string(session.StatusClosed) {
				sendError(w, "Session already closed", http.StatusConflict)
				return
			}
			// Resuming an expired session keeps its original creation time
			// and carries the stored rolling summary back into the live meta.
			createdAt = archived.CreatedAt
			if sum, err := h.archive.GetSummary(ctx, sessionID); err != nil {
				h.logger.Warn("Failed to load archived summary", zap.String("session_id", sessionID), zap.Error(err))
			} else if sum != nil {
				summary = sum.Summary
				summaryCount = sum.MessageCount
			}
		}

		// Archival row first so a crash between the two writes leaves a
		// resumable session rather than an unregistered one.
		if err := h.archive.CreateSession(ctx, sessionID, req.UserID); err != nil {
			h.logger.Error("Failed to create archival session", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
	}

	meta := &session.Meta{
		SessionID:           sessionID,
		UserID:              req.UserID,
		Status:              session.StatusActive,
		CreatedAt:           createdAt,
		LastUpdated:         now,
		Summary:             summary,
		SummaryMessageCount: summaryCount,
	}
	if err := h.store.WriteMeta(ctx, sessionID, meta); err != nil {
		h.logger.Error("Failed to write session meta", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	if err := h.store.Register(ctx, req.UserID, sessionID); err != nil {
		h.logger.Error("Failed to register session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse(meta))
}

func createResponse(meta *session.Meta) CreateSessionResponse {
	return CreateSessionResponse{
		SessionID: meta.SessionID,
		Status:    string(meta.Status),
		CreatedAt: meta.CreatedAt,
		UserID:    meta.UserID,
		Summary:   meta.Summary,
	}
}

// List handles GET /v1/sessions. Live metas and archival rows merge on
// session id with the live copy winning, newest activity first.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	includeClosed := q.Get("include_closed") == "true" || q.Get("include_closed") == "1"

	live, err := h.store.ListUserSessions(ctx, userID)
	if err != nil {
		h.logger.Error("Failed to list live sessions", zap.String("user_id", userID), zap.Error(err))
		sendError(w, "Failed to retrieve sessions", http.StatusInternalServerError)
		return
	}

	views := make([]SessionView, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, meta := range live {
		views = append(views, sessionView(meta))
		seen[meta.SessionID] = true
	}

	if h.archive != nil {
		rows, err := h.archive.ListSessions(ctx, userID, limit, includeClosed)
		if err != nil {
			h.logger.Error("Failed to list archived sessions", zap.String("user_id", userID), zap.Error(err))
			sendError(w, "Failed to retrieve sessions", http.StatusInternalServerError)
			return
		}
		for _, row := range rows {
			if seen[row.SessionID] {
				continue
			}
			views = append(views, archivedSessionView(row))
		}
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].LastUpdated.Equal(views[j].LastUpdated) {
			return views[i].LastUpdated.After(views[j].LastUpdated)
		}
		return views[i].SessionID < views[j].SessionID
	})
	if len(views) > limit {
		views = views[:limit]
	}

	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views})
}

// Messages handles GET /v1/sessions/{sid}/messages. Live sessions read the
// Redis buffer; sessions that only exist in the archive page through
// Postgres with a keyset cursor.
func (h *SessionsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sid")
	q := r.URL.Query()

	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	meta, err := h.store.ReadMeta(ctx, sessionID)
	switch {
	case err == nil:
		if meta.UserID != userID {
			sendError(w, "Session belongs to another user", http.StatusForbidden)
			return
		}
		msgs, err := h.store.AllMessages(ctx, sessionID, limit)
		if err != nil {
			h.logger.Error("Failed to read session buffer", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to retrieve messages", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, MessagesResponse{Messages: liveMessageViews(msgs)})
		return

	case errors.Is(err, session.ErrNotFound):
		// Fall through to the archive.
	default:
		h.logger.Error("Failed to read session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to retrieve messages", http.StatusInternalServerError)
		return
	}

	if h.archive == nil {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	archived, err := h.archive.GetSession(ctx, sessionID)
	if err != nil {
		h.logger.Error("Failed to read archived session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to retrieve messages", http.StatusInternalServerError)
		return
	}
	if archived == nil {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	if archived.UserID != userID {
		sendError(w, "Session belongs to another user", http.StatusForbidden)
		return
	}

	msgs, nextCursor, err := h.archive.Messages(ctx, sessionID, limit, q.Get("cursor"))
	if err != nil {
		h.logger.Error("Failed to read archived messages", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to retrieve messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{
		Messages:   archivedMessageViews(msgs),
		NextCursor: nextCursor,
	})
}

// Close handles POST /v1/sessions/{sid}/close. The remaining buffer is
// flushed to the archive, the archival row is closed with a summary, and
// only then are the live keys and indices torn down, so a failure partway
// through leaves a retryable session instead of a lost one.
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sid")

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	// The close body is optional; an empty body closes with defaults.
	var req CloseSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	meta, err := h.store.ReadMeta(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		h.closeArchivedOnly(ctx, w, sessionID, userID, &req)
		return
	case err != nil:
		h.logger.Error("Failed to read session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}
	if meta.UserID != userID {
		sendError(w, "Session belongs to another user", http.StatusForbidden)
		return
	}

	msgs, err := h.store.AllMessages(ctx, sessionID, 0)
	if err != nil {
		h.logger.Error("Failed to read session buffer", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}

	if h.archive != nil {
		if err := h.flushBuffer(ctx, sessionID, meta.UserID, msgs); err != nil {
			h.logger.Error("Failed to archive session history", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to archive session history", http.StatusInternalServerError)
			return
		}

		summary := h.resolveSummary(ctx, sessionID, meta, msgs, req.Summary)
		var summaryPtr *string
		if summary != "" {
			summaryPtr = &summary
		}
		if err := h.archive.CloseSession(ctx, sessionID, summaryPtr, archive.JSONB(req.Metadata)); err != nil {
			h.logger.Error("Failed to close archival session", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to close session", http.StatusInternalServerError)
			return
		}
	}

	if meta.AgentID != "" {
		if err := h.store.UnassignAgent(ctx, sessionID, meta.AgentID); err != nil {
			h.logger.Error("Failed to unassign agent", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to close session", http.StatusInternalServerError)
			return
		}
	}
	if err := h.store.DequeueEscalation(ctx, sessionID); err != nil {
		h.logger.Error("Failed to dequeue escalation", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}
	if err := h.store.Delete(ctx, sessionID); err != nil {
		h.logger.Error("Failed to delete session keys", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}
	if err := h.store.Unregister(ctx, meta.UserID, sessionID); err != nil {
		h.logger.Error("Failed to unregister session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}

	metrics.SessionsClosed.Inc()
	h.logger.Info("Session closed",
		zap.String("session_id", sessionID),
		zap.String("user_id", meta.UserID),
		zap.Int("messages", len(msgs)),
	)

	writeJSON(w, http.StatusOK, CloseSessionResponse{
		SessionID: sessionID,
		Status:    string(session.StatusClosed),
		ClosedAt:  time.Now().UTC(),
	})
}

// closeArchivedOnly closes a session whose live keys already expired but
// whose archival row is still open.
func (h *SessionsHandler) closeArchivedOnly(ctx context.Context, w http.ResponseWriter, sessionID, userID string, req *CloseSessionRequest) {
	if h.archive == nil {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	archived, err := h.archive.GetSession(ctx, sessionID)
	if err != nil {
		h.logger.Error("Failed to read archived session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}
	if archived == nil {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	if archived.UserID != userID {
		sendError(w, "Session belongs to another user", http.StatusForbidden)
		return
	}
	if archived.Status == string(session.StatusClosed) {
		sendError(w, "Session already closed", http.StatusConflict)
		return
	}

	var summaryPtr *string
	if s := strings.TrimSpace(req.Summary); s != "" {
		summaryPtr = &s
	}
	if err := h.archive.CloseSession(ctx, sessionID, summaryPtr, archive.JSONB(req.Metadata)); err != nil {
		h.logger.Error("Failed to close archival session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}

	metrics.SessionsClosed.Inc()
	writeJSON(w, http.StatusOK, CloseSessionResponse{
		SessionID: sessionID,
		Status:    string(session.StatusClosed),
		ClosedAt:  time.Now().UTC(),
	})
}

// flushBuffer appends any buffer messages the per-turn archival missed.
// CountMessages tells us how far the archive already got, so a retried
// close never duplicates rows.
func (h *SessionsHandler) flushBuffer(ctx context.Context, sessionID, userID string, msgs []session.Message) error {
	archived, err := h.archive.CountMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	if archived >= len(msgs) {
		return nil
	}
	for _, msg := range msgs[archived:] {
		if err := h.archive.AppendMessage(ctx, sessionID, msg.Role, msg.Content, userID, msg.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// resolveSummary picks the summary persisted on close: an explicit one from
// the request wins, then a freshly generated one, then whatever rolling
// summary the session already carried.
func (h *SessionsHandler) resolveSummary(ctx context.Context, sessionID string, meta *session.Meta, msgs []session.Message, supplied string) string {
	if s := strings.TrimSpace(supplied); s != "" {
		return s
	}
	if h.summarizer != nil && len(msgs) > 0 {
		s, err := h.summarizer.Summarize(ctx, transcript(msgs), h.cfg.SummaryMaxChars)
		if err != nil {
			h.logger.Warn("Close summary generation failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return meta.Summary
}

func transcript(msgs []session.Message) string {
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

func sessionView(meta *session.Meta) SessionView {
	return SessionView{
		SessionID:    meta.SessionID,
		UserID:       meta.UserID,
		Status:       string(meta.Status),
		CreatedAt:    meta.CreatedAt,
		LastUpdated:  meta.LastUpdated,
		MessageCount: meta.MessageCount,
		Summary:      meta.Summary,
		AgentID:      meta.AgentID,
	}
}

func archivedSessionView(row archive.Session) SessionView {
	view := SessionView{
		SessionID:   row.SessionID,
		UserID:      row.UserID,
		Status:      row.Status,
		CreatedAt:   row.CreatedAt,
		LastUpdated: row.UpdatedAt,
	}
	if row.SessionSummary != nil {
		view.Summary = *row.SessionSummary
	}
	return view
}

func liveMessageViews(msgs []session.Message) []MessageView {
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			AgentID:   m.AgentID,
		})
	}
	return views
}

func archivedMessageViews(msgs []archive.Message) []MessageView {
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return views
}
