package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/storage"
)

// memStore mirrors the conditional updates of storage.Store in memory.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	sessions map[uuid.UUID]*domain.Session
	items    map[uuid.UUID]*domain.WorkItem
	dlq      map[uuid.UUID]domain.DeadLetterEntry

	failUpdates bool
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC),
		sessions: map[uuid.UUID]*domain.Session{},
		items:    map[uuid.UUID]*domain.WorkItem{},
		dlq:      map[uuid.UUID]domain.DeadLetterEntry{},
	}
}

var errStoreDown = errors.New("store unavailable")

// tick advances the fake clock; callers hold mu.
func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Millisecond)
	return m.now
}

func (m *memStore) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *memStore) addSession(s domain.Session) domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.UIStatus == "" {
		s.UIStatus = domain.UIPending
	}
	if s.CancellationStatus == "" {
		s.CancellationStatus = domain.CancelNone
	}
	if s.SessionStatus == "" {
		s.SessionStatus = domain.SessionActive
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.tick()
	}
	cp := s
	m.sessions[s.ID] = &cp
	return s
}

func (m *memStore) addItem(sessionID uuid.UUID, data string) domain.WorkItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := domain.WorkItem{ID: uuid.New(), SessionID: sessionID, Data: []byte(data), InboxStatus: domain.InboxPending, CreatedAt: m.now}
	m.now = m.now.Add(time.Millisecond)
	cp := w
	m.items[w.ID] = &cp
	return w
}

func (m *memStore) session(id uuid.UUID) domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

// list mirrors the store's "order by updated_at asc limit n".
func (m *memStore) list(limit int, pred func(*domain.Session) bool) []domain.Session {
	var out []domain.Session
	for _, s := range m.sessions {
		if pred(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) parked(id uuid.UUID) bool {
	for _, e := range m.dlq {
		if e.Status == domain.DLQPending && e.TaskType == TaskIPReturn && e.EntityID == id {
			return true
		}
	}
	return false
}

func (m *memStore) ListDispatchable(_ context.Context, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Session) bool {
		if s.UIStatus != domain.UIPending || s.CancellationStatus != domain.CancelNone {
			return false
		}
		for _, w := range m.items {
			if w.SessionID == s.ID && w.InboxStatus == domain.InboxPending {
				return true
			}
		}
		return false
	}), nil
}

func (m *memStore) PendingWorkItems(_ context.Context, sessionID uuid.UUID) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkItem
	for _, w := range m.items {
		if w.SessionID == sessionID && w.InboxStatus == domain.InboxPending {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memStore) MarkDispatched(_ context.Context, id uuid.UUID, lease domain.ResourceLease, itemIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates {
		return errStoreDown
	}
	s := m.sessions[id]
	if s == nil || s.UIStatus != domain.UIPending {
		return storage.ErrConflict
	}
	l := lease
	s.ResourceLease = &l
	s.UIStatus = domain.UIInProgress
	s.UpdatedAt = m.tick()
	for _, wid := range itemIDs {
		if w := m.items[wid]; w != nil && w.InboxStatus == domain.InboxPending {
			w.InboxStatus = domain.InboxActive
			w.ProcessingAttempts++
		}
	}
	return nil
}

func (m *memStore) ListReturning(_ context.Context, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Session) bool {
		return s.SessionStatus == domain.SessionReturningIP && !m.parked(s.ID)
	}), nil
}

func (m *memStore) CompleteReturn(_ context.Context, id uuid.UUID, ui domain.UIStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates {
		return errStoreDown
	}
	s := m.sessions[id]
	if s == nil || s.SessionStatus != domain.SessionReturningIP {
		return storage.ErrConflict
	}
	s.ResourceLease = nil
	s.UIStatus = ui
	s.SessionStatus = domain.SessionArchived
	s.IPReturnRetryCount = 0
	s.IPReturnFirstFailedAt = nil
	s.StatusMessage = &message
	s.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) RecordReturnFailure(_ context.Context, id uuid.UUID, errMsg string) (storage.ReturnFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.SessionStatus != domain.SessionReturningIP {
		return storage.ReturnFailure{}, storage.ErrConflict
	}
	s.IPReturnRetryCount++
	if s.IPReturnFirstFailedAt == nil {
		t := m.now
		s.IPReturnFirstFailedAt = &t
	}
	s.StatusMessage = &errMsg
	s.UpdatedAt = m.tick()
	return storage.ReturnFailure{RetryCount: s.IPReturnRetryCount, FirstFailedAt: *s.IPReturnFirstFailedAt}, nil
}

func (m *memStore) SetStatusMessage(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return storage.ErrConflict
	}
	s.StatusMessage = &message
	s.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) ListCancellationRequested(_ context.Context, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Session) bool { return s.CancellationStatus == domain.CancelRequested }), nil
}

func (m *memStore) CompleteCancellation(_ context.Context, id uuid.UUID, pid int, from, to domain.UIStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.CancellationStatus != domain.CancelRequested || s.ProcessPID == nil || *s.ProcessPID != pid || s.UIStatus != from {
		return storage.ErrConflict
	}
	s.CancellationStatus = domain.CancelCancelled
	s.ProcessPID = nil
	s.UIStatus = to
	s.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) ConfirmCancellation(_ context.Context, id uuid.UUID, from, to domain.UIStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.CancellationStatus != domain.CancelRequested || s.ProcessPID != nil || s.UIStatus != from {
		return storage.ErrConflict
	}
	s.CancellationStatus = domain.CancelCancelled
	s.UIStatus = to
	s.UpdatedAt = m.tick()
	return nil
}

// dlq.Store

func (m *memStore) InsertDLQ(_ context.Context, e domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.dlq {
		if cur.Status == domain.DLQPending && cur.TaskType == e.TaskType && cur.EntityID == e.EntityID {
			return domain.DeadLetterEntry{}, storage.ErrDuplicate
		}
	}
	m.dlq[e.ID] = e
	return e, nil
}

func (m *memStore) ExistsPendingDLQ(_ context.Context, taskType string, entityID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.dlq {
		if e.Status == domain.DLQPending && e.TaskType == taskType && e.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetDLQ(_ context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[id]
	if !ok {
		return e, storage.ErrNotFound
	}
	return e, nil
}

func (m *memStore) ListDLQ(_ context.Context, f storage.DLQFilter) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeadLetterEntry
	for _, e := range m.dlq {
		if (f.Status == "" || e.Status == f.Status) && (f.TaskType == "" || e.TaskType == f.TaskType) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CloseDLQ(_ context.Context, id uuid.UUID, status domain.DLQStatus, notes *string) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[id]
	if !ok {
		return e, storage.ErrNotFound
	}
	if e.Status != domain.DLQPending {
		return domain.DeadLetterEntry{}, storage.ErrConflict
	}
	e.Status, e.ResolutionNotes = status, notes
	m.dlq[id] = e
	return e, nil
}

type fakeAllocator struct {
	mu         sync.Mutex
	leaseErr   error
	releaseErr error
	leased     int
	released   []domain.ResourceLease
}

func (a *fakeAllocator) Lease(context.Context) (domain.ResourceLease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaseErr != nil {
		return domain.ResourceLease{}, a.leaseErr
	}
	a.leased++
	return domain.ResourceLease{
		Item:        []byte(`{"ip":"10.0.0.1"}`),
		BorrowToken: uuid.NewString(),
	}, nil
}

func (a *fakeAllocator) Release(_ context.Context, l domain.ResourceLease) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseErr != nil {
		return a.releaseErr
	}
	a.released = append(a.released, l)
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []domain.Job
	failAt int
	calls  int
}

func (q *fakeQueue) Enqueue(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failAt > 0 && q.calls == q.failAt {
		return errors.New("redis down")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeSignal struct {
	errs     map[int]error
	signaled []int
}

func (f *fakeSignal) Terminate(pid int) error {
	f.signaled = append(f.signaled, pid)
	return f.errs[pid]
}

func intPtr(v int) *int { return &v }
