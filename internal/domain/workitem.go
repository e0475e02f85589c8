package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxActive    InboxStatus = "active"
	InboxCompleted InboxStatus = "completed"
	InboxFailed    InboxStatus = "failed"
	InboxArchived  InboxStatus = "archived"
)

// WorkItem is one unit of work queued against a session.
type WorkItem struct {
	ID                 uuid.UUID       `json:"id"`
	SessionID          uuid.UUID       `json:"session_id"`
	Data               json.RawMessage `json:"data"`
	InboxStatus        InboxStatus     `json:"inbox_status"`
	ProcessingAttempts int             `json:"processing_attempts"`
	LastError          *string         `json:"last_error,omitempty"`
	LastAttemptAt      *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
