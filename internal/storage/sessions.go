package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/sandboxd/internal/domain"
)

const sessionColumns = `id, ui_status, cancellation_status, session_status, resource_lease,
process_pid, ip_return_retry_count, ip_return_first_failed_at, status_message,
cancelled_at, cancelled_by, created_at, updated_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		s     domain.Session
		lease []byte
	)
	err := row.Scan(&s.ID, &s.UIStatus, &s.CancellationStatus, &s.SessionStatus, &lease,
		&s.ProcessPID, &s.IPReturnRetryCount, &s.IPReturnFirstFailedAt, &s.StatusMessage,
		&s.CancelledAt, &s.CancelledBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	// A malformed blob is kept as-is so one bad row cannot fail a whole
	// listing; it is rejected later by ResourceLease.Validate.
	s.ResourceLease, err = domain.ParseResourceLease(lease)
	if err != nil {
		s.ResourceLease = &domain.ResourceLease{Item: lease}
	}
	return s, nil
}

func (s *Store) querySessions(ctx context.Context, sql string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CreateSession inserts a Pending session together with its initial work.
func (s *Store) CreateSession(ctx context.Context, items []json.RawMessage) (domain.Session, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback(ctx)

	sess, err := scanSession(tx.QueryRow(ctx, `insert into sessions(id, ui_status)
values ($1, 'pending') returning `+sessionColumns, uuid.New()))
	if err != nil {
		return domain.Session{}, errors.Wrap(err, "insert session")
	}
	for _, data := range items {
		if _, err := insertWorkItem(ctx, tx, sess.ID, data); err != nil {
			return domain.Session{}, err
		}
	}
	return sess, errors.Wrap(tx.Commit(ctx), "commit session")
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
	return sess, notFound(err)
}

// ListDispatchable returns Pending sessions with at least one pending work
// item. Sessions with a cancel request are left alone.
func (s *Store) ListDispatchable(ctx context.Context, limit int) ([]domain.Session, error) {
	return s.querySessions(ctx, `select `+sessionColumns+` from sessions s
 where s.ui_status = 'pending'
   and s.cancellation_status = 'none'
   and exists (select 1 from work_items w where w.session_id = s.id and w.inbox_status = 'pending')
 order by s.created_at asc limit $1`, limit)
}

// MarkDispatched records the lease, moves the session to InProgress and
// flips the dispatched work items to active, in one transaction. It returns
// ErrConflict when the session is no longer Pending.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID, lease domain.ResourceLease, itemIDs []uuid.UUID) error {
	blob, err := json.Marshal(lease)
	if err != nil {
		return errors.Wrap(err, "encode lease")
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := expectOne(tx.Exec(ctx, `update sessions
    set resource_lease = $2,
        ui_status = 'in_progress',
        status_message = 'resource leased, work dispatched',
        updated_at = now()
  where id = $1 and ui_status = 'pending'`, id, blob)); err != nil {
		return errors.Wrapf(err, "dispatch session %s", id)
	}
	if _, err := tx.Exec(ctx, `update work_items
    set inbox_status = 'active',
        processing_attempts = processing_attempts + 1,
        last_attempt_at = now(),
        updated_at = now()
  where id = any($1) and inbox_status = 'pending'`, itemIDs); err != nil {
		return errors.Wrap(err, "activate work items")
	}
	return tx.Commit(ctx)
}

// ListReturning returns sessions whose execution has ended and whose
// resource is owed back, whether or not a lease is still recorded. Sessions
// parked under a pending ip return dead letter entry are left out.
func (s *Store) ListReturning(ctx context.Context, limit int) ([]domain.Session, error) {
	return s.querySessions(ctx, `select `+sessionColumns+` from sessions
 where session_status = 'returning_ip'
   and not exists (
     select 1 from dead_letter_queue d
      where d.task_type = 'ip_return_poller'
        and d.entity_id = sessions.id
        and d.status = 'pending')
 order by updated_at asc limit $1`, limit)
}

// MarkReturning signals that the session's execution ended.
func (s *Store) MarkReturning(ctx context.Context, id uuid.UUID) error {
	err := expectOne(s.db.Exec(ctx, `update sessions
    set session_status = 'returning_ip', updated_at = now()
  where id = $1 and session_status = 'active'`, id))
	if errors.Is(err, ErrConflict) {
		if _, gerr := s.GetSession(ctx, id); gerr != nil {
			return gerr
		}
	}
	return err
}

// CompleteReturn clears the lease, archives the execution axis, sets the
// given ui status and resets the failure episode.
func (s *Store) CompleteReturn(ctx context.Context, id uuid.UUID, ui domain.UIStatus, message string) error {
	return expectOne(s.db.Exec(ctx, `update sessions
    set resource_lease = null,
        ui_status = $2,
        session_status = 'archived',
        ip_return_retry_count = 0,
        ip_return_first_failed_at = null,
        status_message = $3,
        updated_at = now()
  where id = $1 and session_status = 'returning_ip'`, id, ui, message))
}

// ReturnFailure is the failure bookkeeping after a failed release.
type ReturnFailure struct {
	RetryCount    int
	FirstFailedAt time.Time
}

// RecordReturnFailure atomically increments the retry counter and opens the
// failure episode if needed.
func (s *Store) RecordReturnFailure(ctx context.Context, id uuid.UUID, errMsg string) (ReturnFailure, error) {
	var f ReturnFailure
	err := s.db.QueryRow(ctx, `update sessions
    set ip_return_retry_count = ip_return_retry_count + 1,
        ip_return_first_failed_at = coalesce(ip_return_first_failed_at, now()),
        status_message = format('IP return failed (attempt %s): %s', ip_return_retry_count + 1, $2::text),
        updated_at = now()
  where id = $1 and session_status = 'returning_ip'
  returning ip_return_retry_count, ip_return_first_failed_at`, id, errMsg).Scan(&f.RetryCount, &f.FirstFailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return f, ErrConflict
	}
	return f, err
}

func (s *Store) SetStatusMessage(ctx context.Context, id uuid.UUID, message string) error {
	return expectOne(s.db.Exec(ctx, `update sessions
    set status_message = $2, updated_at = now()
  where id = $1`, id, message))
}

// ListCancellationRequested returns every session with a pending cancel
// request, with or without a live process, least recently touched first.
func (s *Store) ListCancellationRequested(ctx context.Context, limit int) ([]domain.Session, error) {
	return s.querySessions(ctx, `select `+sessionColumns+` from sessions
 where cancellation_status = 'requested'
 order by updated_at asc limit $1`, limit)
}

// RequestCancellation records a cancel request. Asking again while the
// request is pending is a no-op; asking after it completed is ErrConflict.
func (s *Store) RequestCancellation(ctx context.Context, id uuid.UUID, by string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `update sessions
    set cancellation_status = 'requested',
        cancelled_at = now(),
        cancelled_by = $2,
        updated_at = now()
  where id = $1 and cancellation_status = 'none'
  returning `+sessionColumns, id, by))
	if !errors.Is(err, pgx.ErrNoRows) {
		return sess, err
	}
	sess, err = s.GetSession(ctx, id)
	if err != nil {
		return sess, err
	}
	if sess.CancellationStatus == domain.CancelCancelled {
		return sess, ErrConflict
	}
	return sess, nil
}

// CompleteCancellation finalizes a cancel whose process pid was signalled.
// The update applies only while ui_status is still from.
func (s *Store) CompleteCancellation(ctx context.Context, id uuid.UUID, pid int, from, to domain.UIStatus) error {
	return expectOne(s.db.Exec(ctx, `update sessions
    set cancellation_status = 'cancelled',
        process_pid = null,
        ui_status = $4,
        status_message = 'cancelled',
        updated_at = now()
  where id = $1 and cancellation_status = 'requested' and process_pid = $2 and ui_status = $3`, id, pid, from, to))
}

// ConfirmCancellation finalizes a cancel request when no process is attached.
func (s *Store) ConfirmCancellation(ctx context.Context, id uuid.UUID, from, to domain.UIStatus) error {
	return expectOne(s.db.Exec(ctx, `update sessions
    set cancellation_status = 'cancelled',
        ui_status = $3,
        updated_at = now()
  where id = $1 and cancellation_status = 'requested' and process_pid is null and ui_status = $2`, id, from, to))
}
