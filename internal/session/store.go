package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/circuitbreaker"
	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
)

// Key layout. Meta and message buffer share a TTL; the indices live as
// plain sets without expiry so closed-but-unarchived sessions stay listable.
const escalationsKey = "escalations:pending"

func metaKey(sessionID string) string     { return "session:" + sessionID }
func messagesKey(sessionID string) string { return "session:" + sessionID + ":messages" }
func userKey(userID string) string        { return "user_sessions:" + userID }
func agentKey(agentID string) string      { return "agent_sessions:" + agentID }

// Store keeps live conversation state in Redis: one JSON meta document and
// one message list per session, plus membership indices for users, agents,
// and the pending escalation queue.
type Store struct {
	client *circuitbreaker.RedisWrapper
	cfg    config.SessionConfig
	logger *zap.Logger
}

// NewStore creates a session store on top of a breaker-wrapped Redis client.
func NewStore(client *circuitbreaker.RedisWrapper, cfg config.SessionConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, cfg: cfg, logger: logger}
}

// Redis returns the underlying wrapper for health checks.
func (s *Store) Redis() *circuitbreaker.RedisWrapper { return s.client }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// WriteMeta persists the session envelope, stamping the session id into the
// document and defaulting last_updated. The meta SET and the message-buffer
// TTL refresh ride one transaction so both keys always expire together.
func (s *Store) WriteMeta(ctx context.Context, sessionID string, meta *Meta) error {
	if sessionID == "" {
		return fmt.Errorf("write meta: %w", ErrInvalidSession)
	}
	meta.SessionID = sessionID
	if meta.LastUpdated.IsZero() {
		meta.LastUpdated = time.Now().UTC()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ttl := s.cfg.TTL()
	err = s.client.Do(ctx, func(c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Set(ctx, metaKey(sessionID), data, ttl)
		if ttl > 0 {
			pipe.Expire(ctx, messagesKey(sessionID), ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	metrics.RecordSessionStoreOp("write_meta", err)
	if err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	return nil
}

// ReadMeta loads the session envelope. Missing sessions map to ErrNotFound,
// undecodable payloads to ErrInvalidSession.
func (s *Store) ReadMeta(ctx context.Context, sessionID string) (*Meta, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var data []byte
	err := s.client.Do(ctx, func(c *redis.Client) error {
		b, err := c.Get(ctx, metaKey(sessionID)).Bytes()
		data = b
		return err
	})
	metrics.RecordSessionStoreOp("read_meta", err)
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return &meta, nil
}

// AppendMessage pushes one message onto the buffer head and refreshes the
// TTL on both the buffer and the meta key in a single transaction, so a
// session never ends up with live messages under an expired envelope.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ttl := s.cfg.TTL()
	err = s.client.Do(ctx, func(c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.LPush(ctx, messagesKey(sessionID), data)
		if ttl > 0 {
			pipe.Expire(ctx, messagesKey(sessionID), ttl)
			pipe.Expire(ctx, metaKey(sessionID), ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	metrics.RecordSessionStoreOp("append_message", err)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent returns up to the configured window of messages in chronological
// order. A window of zero returns the whole buffer.
func (s *Store) Recent(ctx context.Context, sessionID string) ([]Message, error) {
	return s.readMessages(ctx, sessionID, s.cfg.RecentWindow, "recent")
}

// AllMessages returns up to limit messages in chronological order;
// limit <= 0 returns the whole buffer.
func (s *Store) AllMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.readMessages(ctx, sessionID, limit, "all_messages")
}

func (s *Store) readMessages(ctx context.Context, sessionID string, limit int, op string) ([]Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var raw []string
	err := s.client.Do(ctx, func(c *redis.Client) error {
		vals, err := c.LRange(ctx, messagesKey(sessionID), 0, stop).Result()
		raw = vals
		return err
	})
	metrics.RecordSessionStoreOp(op, err)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	// LPUSH stores newest-first; walk backwards to restore chronology and
	// skip entries that no longer decode rather than failing the read.
	msgs := make([]Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg Message
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			s.logger.Warn("Skipping undecodable session message",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Touch refreshes the TTL on the meta and message keys. No-op when expiry
// is disabled.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	ttl := s.cfg.TTL()
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.client.Do(ctx, func(c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Expire(ctx, metaKey(sessionID), ttl)
		pipe.Expire(ctx, messagesKey(sessionID), ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
	metrics.RecordSessionStoreOp("touch", err)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Delete removes the meta document and the message buffer.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.client.Do(ctx, func(c *redis.Client) error {
		return c.Del(ctx, metaKey(sessionID), messagesKey(sessionID)).Err()
	})
	metrics.RecordSessionStoreOp("delete", err)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Register adds the session to the user's index.
func (s *Store) Register(ctx context.Context, userID, sessionID string) error {
	return s.setOp(ctx, "register", func(c *redis.Client, ctx context.Context) error {
		return c.SAdd(ctx, userKey(userID), sessionID).Err()
	})
}

// Unregister removes the session from the user's index.
func (s *Store) Unregister(ctx context.Context, userID, sessionID string) error {
	return s.setOp(ctx, "unregister", func(c *redis.Client, ctx context.Context) error {
		return c.SRem(ctx, userKey(userID), sessionID).Err()
	})
}

// ListUserSessions loads the metas of every session in the user's index,
// newest activity first. Sessions whose meta expired or no longer decodes
// are skipped.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*Meta, error) {
	opCtx, cancel := s.opCtx(ctx)
	var ids []string
	err := s.client.Do(opCtx, func(c *redis.Client) error {
		members, err := c.SMembers(opCtx, userKey(userID)).Result()
		ids = members
		return err
	})
	cancel()
	metrics.RecordSessionStoreOp("list_user_sessions", err)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}

	metas := make([]*Meta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.ReadMeta(ctx, id)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastUpdated.After(metas[j].LastUpdated)
	})
	return metas, nil
}

// EnqueueEscalation adds the session to the pending hand-off set.
func (s *Store) EnqueueEscalation(ctx context.Context, sessionID string) error {
	return s.setOp(ctx, "enqueue_escalation", func(c *redis.Client, ctx context.Context) error {
		return c.SAdd(ctx, escalationsKey, sessionID).Err()
	})
}

// DequeueEscalation removes the session from the pending hand-off set.
func (s *Store) DequeueEscalation(ctx context.Context, sessionID string) error {
	return s.setOp(ctx, "dequeue_escalation", func(c *redis.Client, ctx context.Context) error {
		return c.SRem(ctx, escalationsKey, sessionID).Err()
	})
}

// ListEscalations returns the pending hand-off session ids in stable order.
func (s *Store) ListEscalations(ctx context.Context) ([]string, error) {
	return s.listSet(ctx, escalationsKey, "list_escalations")
}

// AssignAgent adds the session to the agent's claimed set.
func (s *Store) AssignAgent(ctx context.Context, sessionID, agentID string) error {
	return s.setOp(ctx, "assign_agent", func(c *redis.Client, ctx context.Context) error {
		return c.SAdd(ctx, agentKey(agentID), sessionID).Err()
	})
}

// UnassignAgent removes the session from the agent's claimed set.
func (s *Store) UnassignAgent(ctx context.Context, sessionID, agentID string) error {
	return s.setOp(ctx, "unassign_agent", func(c *redis.Client, ctx context.Context) error {
		return c.SRem(ctx, agentKey(agentID), sessionID).Err()
	})
}

// ListAgentSessions returns the session ids claimed by the agent.
func (s *Store) ListAgentSessions(ctx context.Context, agentID string) ([]string, error) {
	return s.listSet(ctx, agentKey(agentID), "list_agent_sessions")
}

func (s *Store) setOp(ctx context.Context, op string, fn func(*redis.Client, context.Context) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.client.Do(ctx, func(c *redis.Client) error {
		return fn(c, ctx)
	})
	metrics.RecordSessionStoreOp(op, err)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) listSet(ctx context.Context, key, op string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ids []string
	err := s.client.Do(ctx, func(c *redis.Client) error {
		members, err := c.SMembers(ctx, key).Result()
		ids = members
		return err
	})
	metrics.RecordSessionStoreOp(op, err)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sort.Strings(ids)
	return ids, nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// NewSessionID builds a readable session id from the user id and a UTC
// timestamp, e.g. "maria-garcia-25-08-24_09:15". The prefix is the lowercased
// local part of the user id with non-alphanumerics collapsed to dashes,
// capped at 12 characters, falling back to "anon".
func NewSessionID(userID string, now time.Time) string {
	local := userID
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	prefix := nonAlnum.ReplaceAllString(strings.ToLower(local), "-")
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	if prefix == "" {
		prefix = "anon"
	}
	return prefix + "-" + now.UTC().Format("06-01-02_15:04")
}
