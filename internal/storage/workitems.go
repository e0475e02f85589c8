package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/sandboxd/internal/domain"
)

const workItemColumns = `id, session_id, data, inbox_status, processing_attempts, last_error,
last_attempt_at, completed_at, created_at, updated_at`

func scanWorkItem(row pgx.Row) (domain.WorkItem, error) {
	var w domain.WorkItem
	var data []byte
	err := row.Scan(&w.ID, &w.SessionID, &data, &w.InboxStatus, &w.ProcessingAttempts, &w.LastError,
		&w.LastAttemptAt, &w.CompletedAt, &w.CreatedAt, &w.UpdatedAt)
	w.Data = data
	return w, err
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertWorkItem(ctx context.Context, q execQuerier, sessionID uuid.UUID, data json.RawMessage) (domain.WorkItem, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	w, err := scanWorkItem(q.QueryRow(ctx, `insert into work_items(id, session_id, data)
values ($1, $2, $3) returning `+workItemColumns, uuid.New(), sessionID, []byte(data)))
	return w, errors.Wrap(err, "insert work item")
}

// AddWorkItem queues another unit of work on an existing session.
func (s *Store) AddWorkItem(ctx context.Context, sessionID uuid.UUID, data json.RawMessage) (domain.WorkItem, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return domain.WorkItem{}, err
	}
	return insertWorkItem(ctx, s.db, sessionID, data)
}

// PendingWorkItems lists the session's undispatched work, oldest first.
func (s *Store) PendingWorkItems(ctx context.Context, sessionID uuid.UUID) ([]domain.WorkItem, error) {
	rows, err := s.db.Query(ctx, `select `+workItemColumns+` from work_items
 where session_id = $1 and inbox_status = 'pending'
 order by created_at asc`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (domain.WorkItem, error) {
	w, err := scanWorkItem(s.db.QueryRow(ctx, `select `+workItemColumns+` from work_items where id = $1`, id))
	return w, notFound(err)
}

// CompleteWorkItem marks an active item completed. Completing an item twice
// is a no-op so redelivered jobs stay harmless. An item that was never
// dispatched yields ErrNotDispatched; its job must wait.
func (s *Store) CompleteWorkItem(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `update work_items
    set inbox_status = 'completed', completed_at = now(), last_error = null, updated_at = now()
  where id = $1 and inbox_status = 'active'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	w, err := s.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	switch w.InboxStatus {
	case domain.InboxCompleted:
		return nil
	case domain.InboxPending:
		return ErrNotDispatched
	default:
		return ErrConflict
	}
}

// FailWorkItem records a terminal processing failure.
func (s *Store) FailWorkItem(ctx context.Context, id uuid.UUID, errMsg string) error {
	return expectOne(s.db.Exec(ctx, `update work_items
    set inbox_status = 'failed', last_error = $2, updated_at = now()
  where id = $1 and inbox_status = 'active'`, id, errMsg))
}
