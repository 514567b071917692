package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session does not exist in the store.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidSession is returned when stored session data cannot be decoded.
	ErrInvalidSession = errors.New("invalid session data")

	// ErrForbidden is returned when a caller touches a session owned by
	// someone else.
	ErrForbidden = errors.New("session belongs to another user")

	// ErrConflict is returned when a lifecycle change is not allowed from
	// the session's current status.
	ErrConflict = errors.New("session status conflict")
)

// Status is the lifecycle state of a live session.
type Status string

const (
	StatusActive         Status = "active"
	StatusPendingHandoff Status = "pending_handoff"
	StatusLiveAgent      Status = "live_agent"
	StatusClosed         Status = "closed"
)

// CanTransitionTo reports whether the status change is allowed. The
// lifecycle only moves forward: active sessions escalate or close, escalated
// sessions get claimed or closed, closed is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusPendingHandoff || next == StatusClosed
	case StatusPendingHandoff:
		return next == StatusLiveAgent || next == StatusClosed
	case StatusLiveAgent:
		return next == StatusClosed
	default:
		return false
	}
}

// Escalated reports whether the session has been handed to the human queue.
func (s Status) Escalated() bool {
	return s == StatusPendingHandoff || s == StatusLiveAgent
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAgent     = "agent"
)

// Meta is the session envelope stored at session:{id}. Writes replace the
// whole document; callers read, modify, and write back.
type Meta struct {
	SessionID           string     `json:"session_id"`
	UserID              string     `json:"user_id"`
	Status              Status     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUpdated         time.Time  `json:"last_updated"`
	MessageCount        int        `json:"message_count"`
	Summary             string     `json:"summary,omitempty"`
	SummaryMessageCount int        `json:"summary_message_count,omitempty"`
	FirstName           string     `json:"first_name,omitempty"`
	LastName            string     `json:"last_name,omitempty"`
	GreetingSent        bool       `json:"greeting_sent,omitempty"`
	AgentID             string     `json:"agent_id,omitempty"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`
	EscalatedAt         *time.Time `json:"escalated_at,omitempty"`
	EscalationReason    string     `json:"escalation_reason,omitempty"`
	LastQuery           string     `json:"last_query,omitempty"`
	LastResponse        string     `json:"last_response,omitempty"`
	LastAgentMessageAt  *time.Time `json:"last_agent_message_at,omitempty"`
}

// Message is a single conversation turn stored in the session buffer.
// SessionID and AgentID are set on agent-authored messages only.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
}
