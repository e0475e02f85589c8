// Package dlq contains repeated task failures. An entity lands here once its
// retry budget is spent and stays until an operator resolves or abandons it.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/storage"
)

// MaxRetryCount is the attempt ceiling before a task is dead-lettered.
const MaxRetryCount = 5

var (
	ErrNotFound = errors.New("dlq entry not found")
	// ErrClosed is returned when moving an entry into a terminal state other
	// than the one it already holds.
	ErrClosed    = errors.New("dlq entry already closed")
	ErrDuplicate = errors.New("pending dlq entry already exists")
)

type Store interface {
	InsertDLQ(ctx context.Context, e domain.DeadLetterEntry) (domain.DeadLetterEntry, error)
	ExistsPendingDLQ(ctx context.Context, taskType string, entityID uuid.UUID) (bool, error)
	GetDLQ(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error)
	ListDLQ(ctx context.Context, f storage.DLQFilter) ([]domain.DeadLetterEntry, error)
	CloseDLQ(ctx context.Context, id uuid.UUID, status domain.DLQStatus, notes *string) (domain.DeadLetterEntry, error)
}

type Service struct {
	store Store
	log   *zap.Logger
	Now   func() time.Time
}

func New(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("dlq"), Now: time.Now}
}

type InsertParams struct {
	TaskType      string
	EntityID      uuid.UUID
	EntityData    json.RawMessage
	RetryCount    int
	Err           string
	FirstFailedAt time.Time
}

// Insert creates a pending entry. Callers check Exists first; a racing
// second insert for the same key fails with ErrDuplicate.
func (s *Service) Insert(ctx context.Context, p InsertParams) (domain.DeadLetterEntry, error) {
	if p.TaskType == "" {
		return domain.DeadLetterEntry{}, errors.New("task type is required")
	}
	now := s.Now().UTC()
	first := p.FirstFailedAt
	if first.IsZero() {
		first = now
	}
	e, err := s.store.InsertDLQ(ctx, domain.DeadLetterEntry{
		ID:            uuid.New(),
		TaskType:      p.TaskType,
		EntityID:      p.EntityID,
		EntityData:    p.EntityData,
		RetryCount:    p.RetryCount,
		LastError:     p.Err,
		LastErrorAt:   now,
		FirstFailedAt: first.UTC(),
		Status:        domain.DLQPending,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return e, ErrDuplicate
	}
	if err != nil {
		return e, errors.Wrap(err, "insert dlq entry")
	}
	s.log.Warn("entity moved to dead letter queue",
		zap.String("task_type", e.TaskType),
		zap.String("entity_id", e.EntityID.String()),
		zap.Int("retry_count", e.RetryCount),
		zap.String("error", e.LastError))
	return e, nil
}

// Exists reports whether a pending entry holds (taskType, entityID).
func (s *Service) Exists(ctx context.Context, taskType string, entityID uuid.UUID) (bool, error) {
	ok, err := s.store.ExistsPendingDLQ(ctx, taskType, entityID)
	return ok, errors.Wrap(err, "check dlq")
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	e, err := s.store.GetDLQ(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return e, ErrNotFound
	}
	return e, err
}

func (s *Service) List(ctx context.Context, f storage.DLQFilter) ([]domain.DeadLetterEntry, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.Errorf("unknown dlq status %q", f.Status)
	}
	return s.store.ListDLQ(ctx, f)
}

func (s *Service) Resolve(ctx context.Context, id uuid.UUID, notes *string) (domain.DeadLetterEntry, error) {
	return s.close(ctx, id, domain.DLQResolved, notes)
}

func (s *Service) Abandon(ctx context.Context, id uuid.UUID, notes *string) (domain.DeadLetterEntry, error) {
	return s.close(ctx, id, domain.DLQAbandoned, notes)
}

// close applies a terminal transition. Repeating the transition the entry
// already holds is a no-op; crossing to the other terminal state is ErrClosed.
func (s *Service) close(ctx context.Context, id uuid.UUID, target domain.DLQStatus, notes *string) (domain.DeadLetterEntry, error) {
	e, err := s.store.CloseDLQ(ctx, id, target, notes)
	switch {
	case err == nil:
		s.log.Info("dead letter entry closed",
			zap.String("id", id.String()),
			zap.String("status", string(target)))
		return e, nil
	case errors.Is(err, storage.ErrNotFound):
		return e, ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return cur, gerr
		}
		if cur.Status == target {
			return cur, nil
		}
		return cur, errors.Wrapf(ErrClosed, "entry is %s", cur.Status)
	default:
		return e, errors.Wrap(err, "close dlq entry")
	}
}
