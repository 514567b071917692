package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harborline/supportd/internal/chat"
	"github.com/harborline/supportd/internal/engine"
	"github.com/harborline/supportd/internal/session"
)

func TestChatValidation(t *testing.T) {
	runner := &fakeTurnRunner{}
	h := NewChatHandler(runner, zaptest.NewLogger(t))

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing user_id", ChatRequest{Query: "where is my order?"}, http.StatusBadRequest},
		{"blank user_id", ChatRequest{UserID: "   ", Query: "hi"}, http.StatusBadRequest},
		{"missing query", ChatRequest{UserID: "maria@example.com"}, http.StatusBadRequest},
		{"blank query", ChatRequest{UserID: "maria@example.com", Query: "  "}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, http.HandlerFunc(h.Chat), http.MethodPost, "/v1/chat", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, 0, runner.calls)
		})
	}
}

func TestChatInvalidBody(t *testing.T) {
	h := NewChatHandler(&fakeTurnRunner{}, zaptest.NewLogger(t))
	rec := doJSON(t, http.HandlerFunc(h.Chat), http.MethodPost, "/v1/chat", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatForbidden(t *testing.T) {
	runner := &fakeTurnRunner{err: session.ErrForbidden}
	h := NewChatHandler(runner, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Chat), http.MethodPost, "/v1/chat", ChatRequest{
		UserID:    "maria@example.com",
		Query:     "hello",
		SessionID: "someone-elses-session",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Session belongs to another user", body["error"])
}

func TestChatDriverError(t *testing.T) {
	runner := &fakeTurnRunner{err: errors.New("redis down")}
	h := NewChatHandler(runner, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Chat), http.MethodPost, "/v1/chat", ChatRequest{
		UserID: "maria@example.com",
		Query:  "hello",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChatSuccess(t *testing.T) {
	runner := &fakeTurnRunner{result: &chat.Result{
		SessionID: "maria-06-01-02_15:04",
		Answer:    "Your order ships tomorrow.",
		Citations: []engine.Citation{
			{Source: "db:orders#512", Title: "Order 512"},
			{Source: "docs/shipping.md", Title: "Shipping policy", Score: 0.91},
		},
		TraceID:       "trace-123",
		SessionStatus: session.StatusActive,
	}}
	h := NewChatHandler(runner, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Chat), http.MethodPost, "/v1/chat", ChatRequest{
		UserID:    "maria@example.com",
		Query:     "  where is order #512?  ",
		SessionID: " maria-06-01-02_15:04 ",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "maria-06-01-02_15:04", resp.SessionID)
	assert.Equal(t, "Your order ships tomorrow.", resp.Answer)
	assert.Len(t, resp.Citations, 2)
	assert.Equal(t, "db:orders#512", resp.Citations[0].Source)
	assert.Equal(t, "trace-123", resp.TraceID)
	assert.Equal(t, "active", resp.SessionStatus)
	assert.False(t, resp.ShouldEscalate)

	// The session id is trimmed but the query goes through verbatim.
	assert.Equal(t, "maria-06-01-02_15:04", runner.gotSession)
	assert.Equal(t, "  where is order #512?  ", runner.gotQuery)
}

func TestChatNilCitationsSerializeAsEmptyArray(t *testing.T) {
	runner := &fakeTurnRunner{result: &chat.Result{
		SessionID:     "s1",
		Answer:        "Hello!",
		SessionStatus: session.StatusActive,
	}}
	h := NewChatHandler(runner, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Chat), http.MethodPost, "/v1/chat", ChatRequest{
		UserID: "maria@example.com",
		Query:  "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"citations":[]`)
}
