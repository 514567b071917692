package archive

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// Session is a persisted conversation record.
type Session struct {
	SessionID        string     `db:"session_id" json:"session_id"`
	UserID           string     `db:"user_id" json:"user_id"`
	Status           string     `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt         *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	LastMessageAt    *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	SessionSummary   *string    `db:"session_summary" json:"session_summary,omitempty"`
	SummaryUpdatedAt *time.Time `db:"summary_updated_at" json:"summary_updated_at,omitempty"`
	Metadata         JSONB      `db:"metadata" json:"metadata,omitempty"`
}

// Message is one archived conversation turn.
type Message struct {
	ID        int64     `db:"id" json:"-"`
	SessionID string    `db:"session_id" json:"session_id,omitempty"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	UserID    string    `db:"user_id" json:"user_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Summary is the stored rolling summary for a session.
type Summary struct {
	SessionID    string    `db:"session_id" json:"session_id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Summary      string    `db:"summary" json:"summary"`
	MessageCount int       `db:"message_count" json:"message_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
