package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQResolved  DLQStatus = "resolved"
	DLQAbandoned DLQStatus = "abandoned"
)

// Terminal reports whether no further automatic transition is possible.
func (s DLQStatus) Terminal() bool { return s == DLQResolved || s == DLQAbandoned }

func (s DLQStatus) Valid() bool {
	switch s {
	case DLQPending, DLQResolved, DLQAbandoned:
		return true
	}
	return false
}

// DeadLetterEntry records an entity whose task failed past its retry budget.
// (TaskType, EntityID) is unique among pending entries.
type DeadLetterEntry struct {
	ID              uuid.UUID       `json:"id"`
	TaskType        string          `json:"task_type"`
	EntityID        uuid.UUID       `json:"entity_id"`
	EntityData      json.RawMessage `json:"entity_data,omitempty"`
	RetryCount      int             `json:"retry_count"`
	LastError       string          `json:"last_error"`
	LastErrorAt     time.Time       `json:"last_error_at"`
	FirstFailedAt   time.Time       `json:"first_failed_at"`
	Status          DLQStatus       `json:"status"`
	ResolutionNotes *string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
