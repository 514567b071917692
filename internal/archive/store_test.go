package archive

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harborline/supportd/internal/config"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return NewStore(sqlxdb, config.PostgresConfig{}, zaptest.NewLogger(t)), mock
}

var messageColumns = []string{"id", "session_id", "role", "content", "user_id", "created_at"}

func TestCreateSessionUpsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chat_sessions")).
		WithArgs("sid-1", "maria@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CreateSession(context.Background(), "sid-1", "maria@example.com"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM chat_sessions WHERE session_id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))

	sess, err := store.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, sess)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionsFiltersClosed(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	cols := []string{"session_id", "user_id", "status", "created_at", "updated_at",
		"closed_at", "last_message_at", "session_summary", "summary_updated_at", "metadata"}

	mock.ExpectQuery(regexp.QuoteMeta("AND status != 'closed'")).
		WithArgs("maria@example.com", 20).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", "maria@example.com", "active", now, now, nil, nil, nil, nil, nil))

	sessions, err := store.ListSessions(context.Background(), "maria@example.com", 20, false)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageBumpsSession(t *testing.T) {
	store, mock := newMockStore(t)

	at := time.Date(2025, 8, 24, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chat_messages")).
		WithArgs("sid-1", "user", "where is my order?", "maria@example.com", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE chat_sessions SET updated_at = NOW(), last_message_at = $2")).
		WithArgs("sid-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AppendMessage(context.Background(), "sid-1", "user", "where is my order?", "maria@example.com", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesFirstPageEmitsCursorWhenFull(t *testing.T) {
	store, mock := newMockStore(t)

	base := time.Date(2025, 8, 24, 10, 0, 0, 0, time.UTC)
	// Rows are returned newest-first by the query.
	rows := sqlmock.NewRows(messageColumns).
		AddRow(int64(4), "sid-1", "assistant", "newest", "u", base.Add(3*time.Minute)).
		AddRow(int64(3), "sid-1", "user", "newer", "u", base.Add(2*time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT 2")).
		WithArgs("sid-1").
		WillReturnRows(rows)

	msgs, next, err := store.Messages(context.Background(), "sid-1", 2, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "newer", msgs[0].Content, "reversed to chronological")
	assert.Equal(t, "newest", msgs[1].Content)
	assert.Equal(t, base.Add(2*time.Minute).Format(time.RFC3339Nano), next,
		"cursor points at the oldest message of the page")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesTimestampCursor(t *testing.T) {
	store, mock := newMockStore(t)

	base := time.Date(2025, 8, 24, 10, 2, 0, 0, time.UTC)
	cursor := base.Format(time.RFC3339Nano)

	rows := sqlmock.NewRows(messageColumns).
		AddRow(int64(2), "sid-1", "assistant", "older reply", "u", base.Add(-time.Minute)).
		AddRow(int64(1), "sid-1", "user", "older ask", "u", base.Add(-2*time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta("AND created_at < $2")).
		WithArgs("sid-1", base).
		WillReturnRows(rows)

	msgs, next, err := store.Messages(context.Background(), "sid-1", 50, cursor)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "older ask", msgs[0].Content)
	assert.Empty(t, next, "short page means no more history")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesNumericCursorFallback(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("AND id < $2")).
		WithArgs("sid-1", int64(17)).
		WillReturnRows(sqlmock.NewRows(messageColumns))

	msgs, next, err := store.Messages(context.Background(), "sid-1", 50, "17")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionWithSummary(t *testing.T) {
	store, mock := newMockStore(t)

	summary := "Customer asked about order 42; resolved."
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'closed', closed_at = NOW()")).
		WithArgs("sid-1", &summary, JSONB{"closed_by": "maria@example.com"}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CloseSession(context.Background(), "sid-1", &summary, JSONB{"closed_by": "maria@example.com"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionPreservesSummaryWhenNil(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("session_summary = COALESCE($2, session_summary)")).
		WithArgs("sid-1", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CloseSession(context.Background(), "sid-1", nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndGetSummary(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_summaries")).
		WithArgs("sid-1", "maria@example.com", "Asked about refunds.", 14).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpsertSummary(context.Background(), "sid-1", "maria@example.com", "Asked about refunds.", 14))

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM session_summaries WHERE session_id = $1")).
		WithArgs("sid-1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "summary", "message_count", "created_at", "updated_at"}).
			AddRow("sid-1", "maria@example.com", "Asked about refunds.", 14, now, now))

	sum, err := store.GetSummary(context.Background(), "sid-1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 14, sum.MessageCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMessages(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM chat_messages WHERE session_id = $1")).
		WithArgs("sid-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	n, err := store.CountMessages(context.Background(), "sid-1")
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
