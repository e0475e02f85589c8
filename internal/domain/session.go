package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UIStatus is the user-facing workflow state of a session.
type UIStatus string

const (
	UIPending               UIStatus = "pending"
	UIInProgress            UIStatus = "in_progress"
	UINeedsReview           UIStatus = "needs_review"
	UINeedsReviewIPReturned UIStatus = "needs_review_ip_returned"
	UIArchived              UIStatus = "archived"
)

// CancellationStatus tracks a cancel request independently of UIStatus.
type CancellationStatus string

const (
	CancelNone      CancellationStatus = "none"
	CancelRequested CancellationStatus = "requested"
	CancelCancelled CancellationStatus = "cancelled"
)

// SessionStatus is the execution axis. ReturningIP is set from outside once
// the sandboxed execution has ended and the leased address is owed back.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionReturningIP SessionStatus = "returning_ip"
	SessionArchived    SessionStatus = "archived"
)

type Session struct {
	ID                    uuid.UUID          `json:"id"`
	UIStatus              UIStatus           `json:"ui_status"`
	CancellationStatus    CancellationStatus `json:"cancellation_status"`
	SessionStatus         SessionStatus      `json:"session_status"`
	ResourceLease         *ResourceLease     `json:"resource_lease,omitempty"`
	ProcessPID            *int               `json:"process_pid,omitempty"`
	IPReturnRetryCount    int                `json:"ip_return_retry_count"`
	IPReturnFirstFailedAt *time.Time         `json:"ip_return_first_failed_at,omitempty"`
	StatusMessage         *string            `json:"status_message,omitempty"`
	CancelledAt           *time.Time         `json:"cancelled_at,omitempty"`
	CancelledBy           *string            `json:"cancelled_by,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// HasProcess reports whether a sandboxed process is alive under the session.
func (s Session) HasProcess() bool { return s.ProcessPID != nil }

// ResourceLease is the typed envelope stored in sessions.resource_lease.
// Item is the allocator's opaque resource descriptor.
type ResourceLease struct {
	Item        json.RawMessage `json:"item"`
	BorrowToken string          `json:"borrow_token"`
}

var ErrMalformedLease = errors.New("malformed resource lease")

func (l ResourceLease) Validate() error {
	if len(l.Item) == 0 || string(l.Item) == "null" {
		return errors.Wrap(ErrMalformedLease, "missing item")
	}
	if !json.Valid(l.Item) {
		return errors.Wrap(ErrMalformedLease, "item is not valid json")
	}
	if l.BorrowToken == "" {
		return errors.Wrap(ErrMalformedLease, "missing borrow token")
	}
	return nil
}

// ParseResourceLease decodes the stored JSON blob. A nil or empty blob
// yields (nil, nil): no lease is held. A blob without an "item" key is taken
// to be the descriptor itself.
func ParseResourceLease(raw []byte) (*ResourceLease, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.Wrap(ErrMalformedLease, "lease is not valid json")
	}
	var l ResourceLease
	if err := json.Unmarshal(raw, &l); err != nil || len(l.Item) == 0 {
		return &ResourceLease{Item: json.RawMessage(raw), BorrowToken: l.BorrowToken}, nil
	}
	return &l, nil
}

// Compatible reports whether the (ui, cancel) pair is a legal combination.
// The only excluded pair is a cancelled session still shown as running.
func Compatible(ui UIStatus, c CancellationStatus) bool {
	return !(ui == UIInProgress && c == CancelCancelled)
}

// CancelledUIStatus is the ui status a session takes when its cancellation
// completes: a running session goes to review, any other state is kept.
func CancelledUIStatus(ui UIStatus) UIStatus {
	if Compatible(ui, CancelCancelled) {
		return ui
	}
	return UINeedsReview
}
