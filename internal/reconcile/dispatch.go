// Package reconcile holds the pollers that drive sessions through their
// lifecycle. Every tick re-reads the store; nothing is cached between ticks.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/domain"
)

// DefaultBatch caps how many sessions one tick looks at.
const DefaultBatch = 500

type Allocator interface {
	Lease(ctx context.Context) (domain.ResourceLease, error)
	Release(ctx context.Context, l domain.ResourceLease) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

type DispatchStore interface {
	ListDispatchable(ctx context.Context, limit int) ([]domain.Session, error)
	PendingWorkItems(ctx context.Context, sessionID uuid.UUID) ([]domain.WorkItem, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, lease domain.ResourceLease, itemIDs []uuid.UUID) error
}

// Dispatcher leases a resource for each Pending session with work and
// enqueues one job per pending work item.
type Dispatcher struct {
	Store     DispatchStore
	Allocator Allocator
	Queue     Enqueuer
	Log       *zap.Logger
	Batch     int
	Now       func() time.Time
}

func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	sessions, err := d.Store.ListDispatchable(ctx, batch(d.Batch))
	if err != nil {
		return 0, errors.Wrap(err, "list dispatchable sessions")
	}
	var (
		n    int
		errs error
	)
	for _, s := range sessions {
		if err := d.dispatch(ctx, s); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "session %s", s.ID))
			continue
		}
		n++
	}
	return n, errs
}

func (d *Dispatcher) dispatch(ctx context.Context, s domain.Session) error {
	log := d.Log.With(zap.String("session_id", s.ID.String()))

	items, err := d.Store.PendingWorkItems(ctx, s.ID)
	if err != nil {
		return errors.Wrap(err, "load pending work")
	}
	if len(items) == 0 {
		return nil
	}

	// Allocator failures leave the session Pending; the next tick retries
	// without limit.
	lease, err := d.Allocator.Lease(ctx)
	if err != nil {
		log.Warn("lease failed, will retry next tick", zap.Error(err))
		return errors.Wrap(err, "lease resource")
	}

	now := d.now()
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if err := d.Queue.Enqueue(ctx, domain.NewWorkItemJob(s, item, now)); err != nil {
			d.releaseOrphan(ctx, log, lease)
			return errors.Wrapf(err, "enqueue work item %s", item.ID)
		}
		ids = append(ids, item.ID)
	}

	// Jobs enqueued above may be delivered again by the next tick if this
	// update fails; workers are idempotent.
	if err := d.Store.MarkDispatched(ctx, s.ID, lease, ids); err != nil {
		d.releaseOrphan(ctx, log, lease)
		return errors.Wrap(err, "mark dispatched")
	}
	log.Info("session dispatched", zap.Int("jobs", len(ids)))
	return nil
}

// releaseOrphan gives back a lease that never got recorded on the session.
func (d *Dispatcher) releaseOrphan(ctx context.Context, log *zap.Logger, lease domain.ResourceLease) {
	if err := d.Allocator.Release(ctx, lease); err != nil {
		log.Error("orphaned lease could not be released", zap.String("borrow_token", lease.BorrowToken), zap.Error(err))
		return
	}
	log.Info("orphaned lease released", zap.String("borrow_token", lease.BorrowToken))
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func batch(n int) int {
	if n <= 0 {
		return DefaultBatch
	}
	return n
}
