package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/chat"
	"github.com/harborline/supportd/internal/engine"
	"github.com/harborline/supportd/internal/session"
)

// TurnRunner processes one chat turn end to end.
type TurnRunner interface {
	Turn(ctx context.Context, userID, query, sessionID string) (*chat.Result, error)
}

// ChatHandler handles chat turn requests.
type ChatHandler struct {
	driver TurnRunner
	logger *zap.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(driver TurnRunner, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		driver: driver,
		logger: logger,
	}
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is one completed chat turn.
type ChatResponse struct {
	SessionID      string            `json:"session_id"`
	Answer         string            `json:"answer"`
	Citations      []engine.Citation `json:"citations"`
	ShouldEscalate bool              `json:"should_escalate"`
	TraceID        string            `json:"trace_id,omitempty"`
	CacheHit       bool              `json:"cache_hit"`
	SessionStatus  string            `json:"session_status"`
}

// Chat handles POST /v1/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		sendError(w, "query is required", http.StatusBadRequest)
		return
	}

	result, err := h.driver.Turn(r.Context(), req.UserID, req.Query, strings.TrimSpace(req.SessionID))
	if err != nil {
		if errors.Is(err, session.ErrForbidden) {
			sendError(w, "Session belongs to another user", http.StatusForbidden)
			return
		}
		h.logger.Error("Chat turn failed",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		sendError(w, "Failed to process chat turn", http.StatusInternalServerError)
		return
	}

	resp := ChatResponse{
		SessionID:      result.SessionID,
		Answer:         result.Answer,
		Citations:      result.Citations,
		ShouldEscalate: result.ShouldEscalate,
		TraceID:        result.TraceID,
		CacheHit:       result.CacheHit,
		SessionStatus:  string(result.SessionStatus),
	}
	if resp.Citations == nil {
		resp.Citations = []engine.Citation{}
	}

	writeJSON(w, http.StatusOK, resp)
}
