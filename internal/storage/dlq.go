package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/sandboxd/internal/domain"
)

const dlqColumns = `id, task_type, entity_id, entity_data, retry_count, last_error, last_error_at,
first_failed_at, status, resolution_notes, created_at, updated_at`

func scanDLQ(row pgx.Row) (domain.DeadLetterEntry, error) {
	var e domain.DeadLetterEntry
	var data []byte
	err := row.Scan(&e.ID, &e.TaskType, &e.EntityID, &data, &e.RetryCount, &e.LastError, &e.LastErrorAt,
		&e.FirstFailedAt, &e.Status, &e.ResolutionNotes, &e.CreatedAt, &e.UpdatedAt)
	if len(data) > 0 {
		e.EntityData = data
	}
	return e, err
}

// InsertDLQ stores a new pending entry. A second pending entry for the same
// (task_type, entity_id) fails with ErrDuplicate.
func (s *Store) InsertDLQ(ctx context.Context, e domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	var data []byte
	if len(e.EntityData) > 0 {
		data = e.EntityData
	}
	out, err := scanDLQ(s.db.QueryRow(ctx, `insert into dead_letter_queue(
id, task_type, entity_id, entity_data, retry_count, last_error, last_error_at, first_failed_at, status
) values ($1,$2,$3,$4,$5,$6,$7,$8,'pending') returning `+dlqColumns,
		e.ID, e.TaskType, e.EntityID, data, e.RetryCount, e.LastError, e.LastErrorAt, e.FirstFailedAt))
	if isUniqueViolation(err) {
		return out, ErrDuplicate
	}
	return out, err
}

func (s *Store) ExistsPendingDLQ(ctx context.Context, taskType string, entityID uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `select exists(
  select 1 from dead_letter_queue
   where task_type = $1 and entity_id = $2 and status = 'pending')`, taskType, entityID).Scan(&ok)
	return ok, err
}

func (s *Store) GetDLQ(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	e, err := scanDLQ(s.db.QueryRow(ctx, `select `+dlqColumns+` from dead_letter_queue where id = $1`, id))
	return e, notFound(err)
}

type DLQFilter struct {
	Status   domain.DLQStatus
	TaskType string
	Limit    int
}

func (s *Store) ListDLQ(ctx context.Context, f DLQFilter) ([]domain.DeadLetterEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TaskType != "" {
		args = append(args, f.TaskType)
		where = append(where, fmt.Sprintf("task_type = $%d", len(args)))
	}
	q := `select ` + dlqColumns + ` from dead_letter_queue`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(` order by created_at desc limit $%d`, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list dlq")
	}
	defer rows.Close()
	var out []domain.DeadLetterEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CloseDLQ moves a pending entry to a terminal status. It returns
// ErrConflict when the entry exists but is no longer pending.
func (s *Store) CloseDLQ(ctx context.Context, id uuid.UUID, status domain.DLQStatus, notes *string) (domain.DeadLetterEntry, error) {
	e, err := scanDLQ(s.db.QueryRow(ctx, `update dead_letter_queue
    set status = $2, resolution_notes = $3, updated_at = now()
  where id = $1 and status = 'pending'
  returning `+dlqColumns, id, status, notes))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetDLQ(ctx, id); gerr != nil {
			return e, gerr
		}
		return e, ErrConflict
	}
	return e, err
}
