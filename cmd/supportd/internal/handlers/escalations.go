package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/session"
)

// EscalationsHandler handles the agent-side escalation queue.
type EscalationsHandler struct {
	store   *session.Store
	archive ArchiveStore
	logger  *zap.Logger
}

// NewEscalationsHandler creates a new escalations handler
func NewEscalationsHandler(store *session.Store, archiveStore ArchiveStore, logger *zap.Logger) *EscalationsHandler {
	return &EscalationsHandler{
		store:   store,
		archive: archiveStore,
		logger:  logger,
	}
}

// EscalationView is one escalated session in agent-facing responses.
type EscalationView struct {
	SessionID        string     `json:"session_id"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	AgentID          string     `json:"agent_id,omitempty"`
	LastQuery        string     `json:"last_query,omitempty"`
	MessageCount     int        `json:"message_count"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUpdated      time.Time  `json:"last_updated"`
}

// ListEscalationsResponse is the body of GET /v1/escalations.
type ListEscalationsResponse struct {
	Escalations []EscalationView `json:"escalations"`
}

// EscalationDetailResponse is the body of GET /v1/escalations/{sid}.
type EscalationDetailResponse struct {
	Session  EscalationView `json:"session"`
	Messages []MessageView  `json:"messages"`
}

// ClaimRequest is the body of POST /v1/escalations/{sid}/claim.
type ClaimRequest struct {
	AgentID string `json:"agent_id"`
}

// ClaimResponse confirms a claim.
type ClaimResponse struct {
	SessionID string     `json:"session_id"`
	Status    string     `json:"status"`
	AgentID   string     `json:"agent_id"`
	ClaimedAt *time.Time `json:"claimed_at"`
}

// AgentMessageRequest is the body of POST /v1/escalations/{sid}/messages.
type AgentMessageRequest struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// AgentMessageResponse returns the buffer after an agent message lands.
type AgentMessageResponse struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Messages  []MessageView `json:"messages"`
}

// List handles GET /v1/escalations. The response is the union of the
// pending queue and, when agent_id is given, that agent's claimed sessions,
// oldest escalation first.
func (h *EscalationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.store.ListEscalations(ctx)
	if err != nil {
		h.logger.Error("Failed to list escalations", zap.Error(err))
		sendError(w, "Failed to retrieve escalations", http.StatusInternalServerError)
		return
	}

	if agentID := strings.TrimSpace(r.URL.Query().Get("agent_id")); agentID != "" {
		claimed, err := h.store.ListAgentSessions(ctx, agentID)
		if err != nil {
			h.logger.Error("Failed to list agent sessions", zap.String("agent_id", agentID), zap.Error(err))
			sendError(w, "Failed to retrieve escalations", http.StatusInternalServerError)
			return
		}
		ids = append(ids, claimed...)
	}

	views := make([]EscalationView, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, sessionID := range ids {
		if seen[sessionID] {
			continue
		}
		seen[sessionID] = true

		meta, err := h.store.ReadMeta(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			// The live keys expired underneath the index; drop the
			// stale queue entry so it stops reappearing.
			if err := h.store.DequeueEscalation(ctx, sessionID); err != nil {
				h.logger.Warn("Failed to prune stale escalation", zap.String("session_id", sessionID), zap.Error(err))
			}
			continue
		}
		if err != nil {
			h.logger.Error("Failed to read escalated session", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to retrieve escalations", http.StatusInternalServerError)
			return
		}
		views = append(views, escalationView(meta))
	}

	// Oldest first so agents work the queue in arrival order.
	sort.Slice(views, func(i, j int) bool {
		ei, ej := views[i].EscalatedAt, views[j].EscalatedAt
		switch {
		case ei == nil && ej == nil:
			return views[i].SessionID < views[j].SessionID
		case ei == nil:
			return false
		case ej == nil:
			return true
		case !ei.Equal(*ej):
			return ei.Before(*ej)
		default:
			return views[i].SessionID < views[j].SessionID
		}
	})

	writeJSON(w, http.StatusOK, ListEscalationsResponse{Escalations: views})
}

// Get handles GET /v1/escalations/{sid}: the session envelope plus the full
// conversation buffer so an agent can read up before claiming.
func (h *EscalationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sid")

	meta, err := h.store.ReadMeta(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to read session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to retrieve escalation", http.StatusInternalServerError)
		return
	}

	msgs, err := h.store.AllMessages(ctx, sessionID, 0)
	if err != nil {
		h.logger.Error("Failed to read session buffer", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to retrieve escalation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EscalationDetailResponse{
		Session:  escalationView(meta),
		Messages: liveMessageViews(msgs),
	})
}

// Claim handles POST /v1/escalations/{sid}/claim. Claiming a session another
// agent already holds is a takeover: the session moves to the new agent's
// set so it never lives in two sets at once.
func (h *EscalationsHandler) Claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sid")

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		sendError(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	meta, err := h.store.ReadMeta(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to read session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to claim session", http.StatusInternalServerError)
		return
	}
	if !meta.Status.Escalated() {
		sendError(w, "Session is not awaiting an agent", http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	if meta.AgentID != "" && meta.AgentID != req.AgentID {
		if err := h.store.UnassignAgent(ctx, sessionID, meta.AgentID); err != nil {
			h.logger.Error("Failed to unassign previous agent", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to claim session", http.StatusInternalServerError)
			return
		}
	}

	meta.Status = session.StatusLiveAgent
	meta.AgentID = req.AgentID
	meta.ClaimedAt = &now
	meta.LastUpdated = now
	if err := h.store.WriteMeta(ctx, sessionID, meta); err != nil {
		h.logger.Error("Failed to write session meta", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to claim session", http.StatusInternalServerError)
		return
	}
	if err := h.store.DequeueEscalation(ctx, sessionID); err != nil {
		h.logger.Error("Failed to dequeue escalation", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to claim session", http.StatusInternalServerError)
		return
	}
	if err := h.store.AssignAgent(ctx, sessionID, req.AgentID); err != nil {
		h.logger.Error("Failed to assign agent", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to claim session", http.StatusInternalServerError)
		return
	}

	metrics.EscalationsClaimed.Inc()
	h.logger.Info("Escalation claimed",
		zap.String("session_id", sessionID),
		zap.String("agent_id", req.AgentID),
	)

	writeJSON(w, http.StatusOK, ClaimResponse{
		SessionID: sessionID,
		Status:    string(meta.Status),
		AgentID:   req.AgentID,
		ClaimedAt: meta.ClaimedAt,
	})
}

// Message handles POST /v1/escalations/{sid}/messages. An agent messaging a
// still-pending session claims it implicitly.
func (h *EscalationsHandler) Message(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sid")

	var req AgentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	content := strings.TrimSpace(req.Content)
	if req.AgentID == "" || content == "" {
		sendError(w, "agent_id and content are required", http.StatusBadRequest)
		return
	}

	meta, err := h.store.ReadMeta(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to read session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to send agent message", http.StatusInternalServerError)
		return
	}
	if !meta.Status.Escalated() {
		sendError(w, "Session has not been escalated", http.StatusConflict)
		return
	}
	if meta.AgentID != "" && meta.AgentID != req.AgentID {
		sendError(w, "Session is claimed by another agent", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	msg := session.Message{
		Role:      session.RoleAgent,
		Content:   content,
		CreatedAt: now,
		SessionID: sessionID,
		AgentID:   req.AgentID,
	}
	if err := h.store.AppendMessage(ctx, sessionID, msg); err != nil {
		h.logger.Error("Failed to append agent message", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to send agent message", http.StatusInternalServerError)
		return
	}

	if meta.AgentID == "" {
		meta.AgentID = req.AgentID
		meta.ClaimedAt = &now
		if err := h.store.DequeueEscalation(ctx, sessionID); err != nil {
			h.logger.Error("Failed to dequeue escalation", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to send agent message", http.StatusInternalServerError)
			return
		}
		if err := h.store.AssignAgent(ctx, sessionID, req.AgentID); err != nil {
			h.logger.Error("Failed to assign agent", zap.String("session_id", sessionID), zap.Error(err))
			sendError(w, "Failed to send agent message", http.StatusInternalServerError)
			return
		}
		metrics.EscalationsClaimed.Inc()
	}

	meta.Status = session.StatusLiveAgent
	meta.LastAgentMessageAt = &now
	meta.LastResponse = content
	meta.MessageCount++
	meta.LastUpdated = now
	if err := h.store.WriteMeta(ctx, sessionID, meta); err != nil {
		h.logger.Error("Failed to write session meta", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to send agent message", http.StatusInternalServerError)
		return
	}

	if h.archive != nil {
		if err := h.archive.AppendMessage(ctx, sessionID, session.RoleAgent, content, meta.UserID, now); err != nil {
			h.logger.Warn("Failed to archive agent message",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}

	msgs, err := h.store.AllMessages(ctx, sessionID, 0)
	if err != nil {
		h.logger.Error("Failed to read session buffer", zap.String("session_id", sessionID), zap.Error(err))
		sendError(w, "Failed to send agent message", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AgentMessageResponse{
		SessionID: sessionID,
		Status:    string(meta.Status),
		Messages:  liveMessageViews(msgs),
	})
}

func escalationView(meta *session.Meta) EscalationView {
	return EscalationView{
		SessionID:        meta.SessionID,
		UserID:           meta.UserID,
		Status:           string(meta.Status),
		EscalationReason: meta.EscalationReason,
		EscalatedAt:      meta.EscalatedAt,
		ClaimedAt:        meta.ClaimedAt,
		AgentID:          meta.AgentID,
		LastQuery:        meta.LastQuery,
		MessageCount:     meta.MessageCount,
		CreatedAt:        meta.CreatedAt,
		LastUpdated:      meta.LastUpdated,
	}
}
