package reconcile

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

type Reaper interface {
	MoveDue(ctx context.Context, now int64, batch int64) (int, error)
	RequeueExpired(ctx context.Context, now int64, batch int64) (int, error)
}

// QueueReaper moves due retries and jobs whose visibility deadline passed
// back to the ready list.
type QueueReaper struct {
	Queue Reaper
	Batch int64
	Now   func() time.Time
}

func (q *QueueReaper) Tick(ctx context.Context) (int, error) {
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	b := q.Batch
	if b <= 0 {
		b = DefaultBatch
	}
	ts := now().Unix()
	due, err1 := q.Queue.MoveDue(ctx, ts, b)
	expired, err2 := q.Queue.RequeueExpired(ctx, ts, b)
	return due + expired, multierr.Combine(err1, err2)
}
