package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harborline/supportd/internal/session"
)

func seedEscalated(t *testing.T, store *session.Store, sessionID, userID string, escalatedAt time.Time) *session.Meta {
	t.Helper()
	meta := &session.Meta{
		SessionID:        sessionID,
		UserID:           userID,
		Status:           session.StatusPendingHandoff,
		CreatedAt:        escalatedAt.Add(-time.Hour),
		LastUpdated:      escalatedAt,
		EscalatedAt:      &escalatedAt,
		EscalationReason: "order not found",
		MessageCount:     2,
	}
	seedSession(t, store, meta)
	require.NoError(t, store.EnqueueEscalation(context.Background(), sessionID))
	return meta
}

func TestListEscalationsQueueOrder(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	seedEscalated(t, store, "second", "bob@example.com", base.Add(time.Minute))
	seedEscalated(t, store, "first", "maria@example.com", base)

	rec := doJSON(t, mux, http.MethodGet, "/v1/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListEscalationsResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Escalations, 2)
	assert.Equal(t, "first", resp.Escalations[0].SessionID)
	assert.Equal(t, "second", resp.Escalations[1].SessionID)
	assert.Equal(t, "order not found", resp.Escalations[0].EscalationReason)
}

func TestListEscalationsIncludesAgentSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	seedEscalated(t, store, "pending", "maria@example.com", base)

	// A claimed session lives in the agent set, not the pending queue.
	claimedAt := base.Add(time.Minute)
	claimed := &session.Meta{
		SessionID:   "claimed",
		UserID:      "bob@example.com",
		Status:      session.StatusLiveAgent,
		AgentID:     "agent-7",
		ClaimedAt:   &claimedAt,
		EscalatedAt: &base,
		CreatedAt:   base.Add(-time.Hour),
		LastUpdated: claimedAt,
	}
	seedSession(t, store, claimed)
	require.NoError(t, store.AssignAgent(ctx, "claimed", "agent-7"))

	rec := doJSON(t, mux, http.MethodGet, "/v1/escalations?agent_id=agent-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListEscalationsResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Escalations, 2)

	rec = doJSON(t, mux, http.MethodGet, "/v1/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Escalations, 1)
	assert.Equal(t, "pending", resp.Escalations[0].SessionID)
}

func TestListEscalationsPrunesStaleEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	// Queue entry whose session keys already expired.
	require.NoError(t, store.EnqueueEscalation(ctx, "ghost"))

	rec := doJSON(t, mux, http.MethodGet, "/v1/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListEscalationsResponse
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.Escalations)

	pending, err := store.ListEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetEscalation(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	rec := doJSON(t, mux, http.MethodGet, "/v1/escalations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	now := time.Now().UTC()
	seedEscalated(t, store, "s1", "maria@example.com", now)
	require.NoError(t, store.AppendMessage(context.Background(), "s1", session.Message{
		Role: session.RoleUser, Content: "my order vanished", CreatedAt: now,
	}))

	rec = doJSON(t, mux, http.MethodGet, "/v1/escalations/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EscalationDetailResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "s1", resp.Session.SessionID)
	assert.Equal(t, "pending_handoff", resp.Session.Status)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "my order vanished", resp.Messages[0].Content)
}

func TestClaimValidation(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/claim", ClaimRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/v1/escalations/missing/claim", ClaimRequest{AgentID: "agent-7"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimRequiresEscalatedStatus(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	seedSession(t, store, &session.Meta{
		SessionID: "calm", UserID: "maria@example.com",
		Status: session.StatusActive, CreatedAt: time.Now().UTC(),
	})

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/calm/claim", ClaimRequest{AgentID: "agent-7"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaimMovesSessionToAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	seedEscalated(t, store, "s1", "maria@example.com", time.Now().UTC())

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/claim", ClaimRequest{AgentID: "agent-7"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ClaimResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "live_agent", resp.Status)
	assert.Equal(t, "agent-7", resp.AgentID)
	require.NotNil(t, resp.ClaimedAt)

	meta, err := store.ReadMeta(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusLiveAgent, meta.Status)
	assert.Equal(t, "agent-7", meta.AgentID)

	pending, err := store.ListEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	mine, err := store.ListAgentSessions(ctx, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, mine)
}

func TestClaimTakeoverReassignsAgentSets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	seedEscalated(t, store, "s1", "maria@example.com", time.Now().UTC())

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/claim", ClaimRequest{AgentID: "agent-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/claim", ClaimRequest{AgentID: "agent-9"})
	require.Equal(t, http.StatusOK, rec.Code)

	old, err := store.ListAgentSessions(ctx, "agent-7")
	require.NoError(t, err)
	assert.Empty(t, old)

	current, err := store.ListAgentSessions(ctx, "agent-9")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, current)

	meta, err := store.ReadMeta(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", meta.AgentID)
}

func TestAgentMessageValidation(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/messages", AgentMessageRequest{AgentID: "agent-7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/messages", AgentMessageRequest{Content: "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/v1/escalations/missing/messages", AgentMessageRequest{AgentID: "agent-7", Content: "hello"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentMessageRequiresEscalation(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	seedSession(t, store, &session.Meta{
		SessionID: "calm", UserID: "maria@example.com",
		Status: session.StatusActive, CreatedAt: time.Now().UTC(),
	})

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/calm/messages", AgentMessageRequest{
		AgentID: "agent-7", Content: "hello",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentMessageRejectedForOtherAgent(t *testing.T) {
	store := newTestStore(t)
	h := NewEscalationsHandler(store, nil, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	now := time.Now().UTC()
	seedSession(t, store, &session.Meta{
		SessionID: "s1", UserID: "maria@example.com",
		Status: session.StatusLiveAgent, AgentID: "agent-7", ClaimedAt: &now,
		CreatedAt: now,
	})

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/messages", AgentMessageRequest{
		AgentID: "agent-9", Content: "let me take this",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAgentMessageImplicitlyClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	arch := &fakeArchive{}
	h := NewEscalationsHandler(store, arch, zaptest.NewLogger(t))
	mux := escalationsMux(h)

	now := time.Now().UTC()
	seedEscalated(t, store, "s1", "maria@example.com", now)
	require.NoError(t, store.AppendMessage(ctx, "s1", session.Message{
		Role: session.RoleUser, Content: "anyone there?", CreatedAt: now,
	}))

	rec := doJSON(t, mux, http.MethodPost, "/v1/escalations/s1/messages", AgentMessageRequest{
		AgentID: "agent-7", Content: "Hi, I'm taking over from here.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentMessageResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "live_agent", resp.Status)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, session.RoleAgent, resp.Messages[1].Role)
	assert.Equal(t, "agent-7", resp.Messages[1].AgentID)

	meta, err := store.ReadMeta(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusLiveAgent, meta.Status)
	assert.Equal(t, "agent-7", meta.AgentID)
	assert.NotNil(t, meta.ClaimedAt)
	assert.NotNil(t, meta.LastAgentMessageAt)
	assert.Equal(t, 3, meta.MessageCount)
	assert.Equal(t, "Hi, I'm taking over from here.", meta.LastResponse)

	pending, err := store.ListEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	mine, err := store.ListAgentSessions(ctx, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, mine)

	// Agent turns archive best-effort alongside the live append.
	require.Len(t, arch.appended, 1)
	assert.Equal(t, session.RoleAgent, arch.appended[0].role)
}
