package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harborline/supportd/internal/archive"
	"github.com/harborline/supportd/internal/auth"
	"github.com/harborline/supportd/internal/chat"
	"github.com/harborline/supportd/internal/circuitbreaker"
	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/session"
)

type fakeTurnRunner struct {
	result     *chat.Result
	err        error
	calls      int
	gotUser    string
	gotQuery   string
	gotSession string
}

func (f *fakeTurnRunner) Turn(_ context.Context, userID, query, sessionID string) (*chat.Result, error) {
	f.calls++
	f.gotUser, f.gotQuery, f.gotSession = userID, query, sessionID
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLoginService struct {
	profile *auth.Profile
	err     error
	calls   int
}

func (f *fakeLoginService) Login(_ context.Context, _, _ string) (*auth.Profile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

type closeCall struct {
	sessionID string
	summary   *string
	metadata  archive.JSONB
}

type appendedMessage struct {
	sessionID string
	role      string
	content   string
}

// fakeArchive implements ArchiveStore with recorded calls and injectable
// responses.
type fakeArchive struct {
	sessions map[string]*archive.Session
	getErr   error

	listRows []archive.Session
	listErr  error

	creates []string

	appended  []appendedMessage
	appendErr error

	count    int
	countErr error

	pageMsgs   []archive.Message
	pageCursor string
	pageErr    error
	gotCursor  string
	gotLimit   int

	closes   []closeCall
	closeErr error

	summaryRow *archive.Summary
	summaryErr error
}

func (f *fakeArchive) CreateSession(_ context.Context, sessionID, _ string) error {
	f.creates = append(f.creates, sessionID)
	return nil
}

func (f *fakeArchive) GetSession(_ context.Context, sessionID string) (*archive.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.sessions[sessionID], nil
}

func (f *fakeArchive) ListSessions(_ context.Context, _ string, _ int, _ bool) ([]archive.Session, error) {
	return f.listRows, f.listErr
}

func (f *fakeArchive) AppendMessage(_ context.Context, sessionID, role, content, _ string, _ time.Time) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, appendedMessage{sessionID: sessionID, role: role, content: content})
	return nil
}

func (f *fakeArchive) CountMessages(_ context.Context, _ string) (int, error) {
	return f.count, f.countErr
}

func (f *fakeArchive) Messages(_ context.Context, _ string, limit int, cursor string) ([]archive.Message, string, error) {
	f.gotLimit = limit
	f.gotCursor = cursor
	return f.pageMsgs, f.pageCursor, f.pageErr
}

func (f *fakeArchive) CloseSession(_ context.Context, sessionID string, summary *string, metadata archive.JSONB) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closes = append(f.closes, closeCall{sessionID: sessionID, summary: summary, metadata: metadata})
	return nil
}

func (f *fakeArchive) GetSummary(_ context.Context, _ string) (*archive.Summary, error) {
	return f.summaryRow, f.summaryErr
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	f.calls++
	return f.summary, f.err
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(_ context.Context) error { return f.err }

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	wrapper := circuitbreaker.NewRedisWrapper(client, circuitbreaker.Settings{Enabled: true}, zaptest.NewLogger(t))
	return session.NewStore(wrapper, config.SessionConfig{StoreTimeout: time.Second, TTLDays: 1}, zaptest.NewLogger(t))
}

// sessionsMux registers the session routes with production patterns so
// r.PathValue resolves in tests.
func sessionsMux(h *SessionsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", h.Create)
	mux.HandleFunc("GET /v1/sessions", h.List)
	mux.HandleFunc("GET /v1/sessions/{sid}/messages", h.Messages)
	mux.HandleFunc("POST /v1/sessions/{sid}/close", h.Close)
	return mux
}

func escalationsMux(h *EscalationsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/escalations", h.List)
	mux.HandleFunc("GET /v1/escalations/{sid}", h.Get)
	mux.HandleFunc("POST /v1/escalations/{sid}/claim", h.Claim)
	mux.HandleFunc("POST /v1/escalations/{sid}/messages", h.Message)
	return mux
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}
