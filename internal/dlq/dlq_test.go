package dlq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]domain.DeadLetterEntry
}

func newMemStore() *memStore {
	return &memStore{entries: map[uuid.UUID]domain.DeadLetterEntry{}}
}

func (m *memStore) InsertDLQ(_ context.Context, e domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.entries {
		if cur.Status == domain.DLQPending && cur.TaskType == e.TaskType && cur.EntityID == e.EntityID {
			return domain.DeadLetterEntry{}, storage.ErrDuplicate
		}
	}
	e.CreatedAt, e.UpdatedAt = e.LastErrorAt, e.LastErrorAt
	m.entries[e.ID] = e
	return e, nil
}

func (m *memStore) ExistsPendingDLQ(_ context.Context, taskType string, entityID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Status == domain.DLQPending && e.TaskType == taskType && e.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetDLQ(_ context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return e, storage.ErrNotFound
	}
	return e, nil
}

func (m *memStore) ListDLQ(_ context.Context, f storage.DLQFilter) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeadLetterEntry
	for _, e := range m.entries {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.TaskType != "" && e.TaskType != f.TaskType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) CloseDLQ(_ context.Context, id uuid.UUID, status domain.DLQStatus, notes *string) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return e, storage.ErrNotFound
	}
	if e.Status != domain.DLQPending {
		return domain.DeadLetterEntry{}, storage.ErrConflict
	}
	e.Status = status
	e.ResolutionNotes = notes
	m.entries[id] = e
	return e, nil
}

func newService(t *testing.T) (*Service, *memStore) {
	store := newMemStore()
	svc := New(store, zaptest.NewLogger(t))
	svc.Now = func() time.Time { return time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC) }
	return svc, store
}

func TestMaxRetryCountIsFive(t *testing.T) {
	if MaxRetryCount != 5 {
		t.Fatalf("MaxRetryCount = %d", MaxRetryCount)
	}
}

func TestInsertAndExists(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	entity := uuid.New()

	ok, err := svc.Exists(ctx, "test_task", entity)
	if err != nil || ok {
		t.Fatalf("exists before insert: %v, %v", ok, err)
	}
	first := time.Date(2025, 11, 7, 11, 0, 0, 0, time.UTC)
	e, err := svc.Insert(ctx, InsertParams{
		TaskType: "test_task", EntityID: entity, EntityData: []byte(`{"test":"data"}`),
		RetryCount: MaxRetryCount, Err: "Test error message", FirstFailedAt: first,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if e.Status != domain.DLQPending || e.RetryCount != MaxRetryCount || e.LastError != "Test error message" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.FirstFailedAt.Equal(first) || !e.LastErrorAt.Equal(svc.Now()) {
		t.Fatalf("unexpected timestamps %s / %s", e.FirstFailedAt, e.LastErrorAt)
	}
	ok, err = svc.Exists(ctx, "test_task", entity)
	if err != nil || !ok {
		t.Fatalf("exists after insert: %v, %v", ok, err)
	}
	ok, _ = svc.Exists(ctx, "other_task", entity)
	if ok {
		t.Fatal("key must include task type")
	}
}

func TestInsertDuplicatePending(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	entity := uuid.New()
	p := InsertParams{TaskType: "ip_return_poller", EntityID: entity, RetryCount: 5, Err: "x"}
	if _, err := svc.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Insert(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d", len(store.entries))
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	e, _ := svc.Insert(ctx, InsertParams{TaskType: "t", EntityID: uuid.New(), RetryCount: 5, Err: "x"})

	notes := "returned manually"
	got, err := svc.Resolve(ctx, e.ID, &notes)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.DLQResolved || got.ResolutionNotes == nil || *got.ResolutionNotes != notes {
		t.Fatalf("unexpected resolved entry %+v", got)
	}
	again, err := svc.Resolve(ctx, e.ID, nil)
	if err != nil {
		t.Fatalf("second resolve must be a no-op: %v", err)
	}
	if again.ResolutionNotes == nil || *again.ResolutionNotes != notes {
		t.Fatal("no-op resolve must keep the original notes")
	}
}

func TestCrossingTerminalStatesFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	e, _ := svc.Insert(ctx, InsertParams{TaskType: "t", EntityID: uuid.New(), RetryCount: 5, Err: "x"})

	if _, err := svc.Abandon(ctx, e.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Abandon(ctx, e.ID, nil); err != nil {
		t.Fatalf("repeat abandon: %v", err)
	}
	got, err := svc.Resolve(ctx, e.ID, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if got.Status != domain.DLQAbandoned {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestUnknownEntry(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Resolve(ctx, uuid.New(), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolve: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Abandon(ctx, uuid.New(), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("abandon: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, _ := svc.Insert(ctx, InsertParams{TaskType: "t", EntityID: uuid.New(), RetryCount: 5, Err: "x"})
	_, _ = svc.Insert(ctx, InsertParams{TaskType: "t", EntityID: uuid.New(), RetryCount: 5, Err: "y"})
	if _, err := svc.Resolve(ctx, a.ID, nil); err != nil {
		t.Fatal(err)
	}

	pending, err := svc.List(ctx, storage.DLQFilter{Status: domain.DLQPending})
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %d, %v", len(pending), err)
	}
	resolved, _ := svc.List(ctx, storage.DLQFilter{Status: domain.DLQResolved})
	if len(resolved) != 1 || resolved[0].ID != a.ID {
		t.Fatalf("resolved: %+v", resolved)
	}
	if _, err := svc.List(ctx, storage.DLQFilter{Status: "bogus"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
