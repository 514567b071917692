// Package archive persists closed and ongoing conversations to Postgres so
// history survives the Redis TTL. The chat path writes here best-effort; the
// sessions API reads it for anything no longer live.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/config"
)

// Store reads and writes the chat_sessions, chat_messages, and
// session_summaries tables.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *zap.Logger
}

// NewStore creates an archival store over an existing pool.
func NewStore(db *sqlx.DB, cfg config.PostgresConfig, logger *zap.Logger) *Store {
	timeout := cfg.QueryTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, timeout: timeout, logger: logger}
}

// CreateSession upserts the session row. Re-creating an existing session
// refreshes user_id and updated_at but preserves created_at and status.
func (s *Store) CreateSession(ctx context.Context, sessionID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, 'active', NOW(), NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET user_id = EXCLUDED.user_id, updated_at = NOW()`,
		sessionID, userID)
	if err != nil {
		return fmt.Errorf("archive create session: %w", err)
	}
	return nil
}

// GetSession returns the session row, or nil when unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sess Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT session_id, user_id, status, created_at, updated_at, closed_at,
		       last_message_at, session_summary, summary_updated_at, metadata
		FROM chat_sessions WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the user's sessions, most recently updated first.
// Closed sessions are filtered out unless includeClosed is set.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int, includeClosed bool) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT session_id, user_id, status, created_at, updated_at, closed_at,
		       last_message_at, session_summary, summary_updated_at, metadata
		FROM chat_sessions WHERE user_id = $1`
	if !includeClosed {
		query += ` AND status != 'closed'`
	}
	query += ` ORDER BY updated_at DESC LIMIT $2`

	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions, query, userID, limit); err != nil {
		return nil, fmt.Errorf("archive list sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessage stores one turn and bumps the session's activity stamps.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content, userID string, createdAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionID, role, content, userID, createdAt)
	if err != nil {
		return fmt.Errorf("archive append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET updated_at = NOW(), last_message_at = $2
		WHERE session_id = $1`, sessionID, createdAt)
	if err != nil {
		return fmt.Errorf("archive bump session: %w", err)
	}
	return nil
}

// CountMessages returns the number of archived turns for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM chat_messages WHERE session_id = $1", sessionID)
	if err != nil {
		return 0, fmt.Errorf("archive count messages: %w", err)
	}
	return n, nil
}

// Messages returns up to limit archived turns in chronological order, newest
// page first. The cursor is the created_at of the oldest message already
// seen (RFC 3339), with a numeric message id accepted as fallback; a
// non-empty nextCursor means older pages remain.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int, cursor string) ([]Message, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, role, content, user_id, created_at
		FROM chat_messages WHERE session_id = $1`
	args := []interface{}{sessionID}

	if cursor != "" {
		if ts, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			query += ` AND created_at < $2`
			args = append(args, ts)
		} else if id, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			query += ` AND id < $2`
			args = append(args, id)
		}
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	msgs := []Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, "", fmt.Errorf("archive read messages: %w", err)
	}

	// Rows arrive newest-first; flip to chronological for callers.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	nextCursor := ""
	if len(msgs) == limit {
		oldest := msgs[0]
		nextCursor = oldest.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return msgs, nextCursor, nil
}

// CloseSession marks the session closed. A non-nil summary replaces the
// stored one; non-nil metadata replaces the metadata document.
func (s *Store) CloseSession(ctx context.Context, sessionID string, summary *string, metadata JSONB) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = 'closed', closed_at = NOW(), updated_at = NOW(),
		    session_summary = COALESCE($2, session_summary),
		    summary_updated_at = CASE WHEN $2 IS NULL THEN summary_updated_at ELSE NOW() END,
		    metadata = COALESCE($3, metadata)
		WHERE session_id = $1`,
		sessionID, summary, metadata)
	if err != nil {
		return fmt.Errorf("archive close session: %w", err)
	}
	return nil
}

// UpsertSummary stores the rolling summary for a session.
func (s *Store) UpsertSummary(ctx context.Context, sessionID, userID, summary string, messageCount int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, user_id, summary, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET summary = EXCLUDED.summary, message_count = EXCLUDED.message_count,
		              user_id = EXCLUDED.user_id, updated_at = NOW()`,
		sessionID, userID, summary, messageCount)
	if err != nil {
		return fmt.Errorf("archive upsert summary: %w", err)
	}
	return nil
}

// GetSummary returns the stored summary, or nil when none exists.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sum Summary
	err := s.db.GetContext(ctx, &sum, `
		SELECT session_id, user_id, summary, message_count, created_at, updated_at
		FROM session_summaries WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive get summary: %w", err)
	}
	return &sum, nil
}
