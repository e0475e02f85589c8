package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const JobTypeWorkItem = "work_item"

// Job is one unit of dispatched work on the queue. It carries enough to be
// processed without consulting poller state: the session, the work item and
// the payload snapshot.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SessionID  uuid.UUID       `json:"session_id"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Error      *string         `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewWorkItemJob builds the job dispatched for a single work item.
func NewWorkItemJob(s Session, item WorkItem, now time.Time) Job {
	return Job{
		ID:         uuid.NewString(),
		Type:       JobTypeWorkItem,
		SessionID:  s.ID,
		EntityID:   item.ID,
		Payload:    item.Data,
		EnqueuedAt: now.UTC(),
	}
}
