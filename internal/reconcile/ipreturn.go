package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/dlq"
	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/storage"
)

// TaskIPReturn is the dead letter task type of the IP return poller.
const TaskIPReturn = "ip_return_poller"

type ReturnStore interface {
	ListReturning(ctx context.Context, limit int) ([]domain.Session, error)
	CompleteReturn(ctx context.Context, id uuid.UUID, ui domain.UIStatus, message string) error
	RecordReturnFailure(ctx context.Context, id uuid.UUID, errMsg string) (storage.ReturnFailure, error)
	SetStatusMessage(ctx context.Context, id uuid.UUID, message string) error
}

type DeadLetters interface {
	Exists(ctx context.Context, taskType string, entityID uuid.UUID) (bool, error)
	Insert(ctx context.Context, p dlq.InsertParams) (domain.DeadLetterEntry, error)
}

// IPReturner gives back the leased address of every session whose
// execution ended. Failed releases are retried once per tick up to
// dlq.MaxRetryCount attempts, then contained in the dead letter queue.
type IPReturner struct {
	Store     ReturnStore
	Allocator Allocator
	DLQ       DeadLetters
	Log       *zap.Logger
	Batch     int
}

func (p *IPReturner) Tick(ctx context.Context) (int, error) {
	sessions, err := p.Store.ListReturning(ctx, batch(p.Batch))
	if err != nil {
		return 0, errors.Wrap(err, "list returning sessions")
	}
	var (
		n    int
		errs error
	)
	for _, s := range sessions {
		done, err := p.handle(ctx, s)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "session %s", s.ID))
		}
		if done {
			n++
		}
	}
	return n, errs
}

// handle reports whether the session was archived.
func (p *IPReturner) handle(ctx context.Context, s domain.Session) (bool, error) {
	log := p.Log.With(zap.String("session_id", s.ID.String()))

	held, err := p.DLQ.Exists(ctx, TaskIPReturn, s.ID)
	if err != nil {
		return false, err
	}
	if held {
		log.Debug("session parked in dead letter queue, skipping")
		return false, nil
	}

	if s.ResourceLease == nil {
		if err := p.Store.CompleteReturn(ctx, s.ID, domain.UIArchived, "Archived (no IP to return)"); err != nil {
			return false, errors.Wrap(err, "archive without lease")
		}
		log.Info("session archived, no lease held")
		return true, nil
	}

	if err := s.ResourceLease.Validate(); err != nil {
		log.Error("lease is malformed, skipping", zap.Error(err))
		// Touch the row so it rotates behind the rest of the backlog.
		if merr := p.Store.SetStatusMessage(ctx, s.ID, "IP return skipped: "+err.Error()); merr != nil {
			log.Error("status message not recorded", zap.Error(merr))
		}
		return false, err
	}
	if err := p.Allocator.Release(ctx, *s.ResourceLease); err != nil {
		return false, p.recordFailure(ctx, log, s, err)
	}

	ui := domain.UIArchived
	if s.UIStatus == domain.UINeedsReview {
		ui = domain.UINeedsReviewIPReturned
	}
	if err := p.Store.CompleteReturn(ctx, s.ID, ui, "IP returned successfully"); err != nil {
		// The release already happened; the next tick releases again with
		// the same borrow token, which the allocator treats as a no-op.
		return false, errors.Wrap(err, "record return")
	}
	log.Info("ip returned", zap.String("ui_status", string(ui)))
	return true, nil
}

func (p *IPReturner) recordFailure(ctx context.Context, log *zap.Logger, s domain.Session, cause error) error {
	f, err := p.Store.RecordReturnFailure(ctx, s.ID, cause.Error())
	if err != nil {
		return multierr.Append(cause, errors.Wrap(err, "record return failure"))
	}
	log.Warn("ip return failed",
		zap.Int("retry_count", f.RetryCount),
		zap.Int("max_retries", dlq.MaxRetryCount),
		zap.Error(cause))
	if f.RetryCount < dlq.MaxRetryCount {
		return cause
	}

	data, err := json.Marshal(s.ResourceLease)
	if err != nil {
		return multierr.Append(cause, errors.Wrap(err, "encode lease"))
	}
	_, err = p.DLQ.Insert(ctx, dlq.InsertParams{
		TaskType:      TaskIPReturn,
		EntityID:      s.ID,
		EntityData:    data,
		RetryCount:    f.RetryCount,
		Err:           cause.Error(),
		FirstFailedAt: f.FirstFailedAt,
	})
	if err != nil && !errors.Is(err, dlq.ErrDuplicate) {
		return multierr.Append(cause, errors.Wrap(err, "dead-letter session"))
	}
	msg := fmt.Sprintf("IP return failed %d times, moved to dead letter queue: %s", f.RetryCount, cause)
	if err := p.Store.SetStatusMessage(ctx, s.ID, msg); err != nil {
		log.Error("status message not recorded", zap.Error(err))
	}
	return cause
}
