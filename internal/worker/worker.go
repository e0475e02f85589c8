// Package worker consumes dispatched jobs from the queue.
//
// Delivery is at-least-once: a job whose worker died before Ack comes back
// after its visibility timeout, so handlers must be idempotent.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/queue"
)

type Queue interface {
	Dequeue(ctx context.Context, block time.Duration) (domain.Job, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, job domain.Job, cause error) (bool, error)
}

type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// DeadHandler is implemented by handlers that record a job's final failure
// once the queue parks it.
type DeadHandler interface {
	Dead(ctx context.Context, job domain.Job, cause error) error
}

// Pool runs Concurrency consumers against one queue.
type Pool struct {
	Queue       Queue
	Handler     Handler
	Log         *zap.Logger
	Concurrency int
	// Block bounds each Dequeue so consumers notice shutdown.
	Block time.Duration
	// Backoff is the pause after a queue error.
	Backoff time.Duration
}

// Run consumes until ctx is cancelled. Jobs in flight at that point run to
// completion and are acked before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		log := p.Log.With(zap.Int("consumer", i))
		eg.Go(func() error { return p.consume(ctx, log) })
	}
	return eg.Wait()
}

func (p *Pool) consume(ctx context.Context, log *zap.Logger) error {
	block := p.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	for ctx.Err() == nil {
		job, err := p.Queue.Dequeue(ctx, block)
		switch {
		case err == nil:
			p.process(context.WithoutCancel(ctx), log, job)
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			return nil
		default:
			log.Error("dequeue failed", zap.Error(err))
			p.pause(ctx)
		}
	}
	return nil
}

func (p *Pool) pause(ctx context.Context) {
	d := p.Backoff
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, job domain.Job) {
	log = log.With(zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempt", job.Attempt))
	start := time.Now()

	err := p.safeHandle(ctx, job)
	if err == nil {
		if err := p.Queue.Ack(ctx, job.ID); err != nil {
			// Redelivered after the visibility timeout; the handler is idempotent.
			log.Error("ack failed", zap.Error(err))
			return
		}
		log.Debug("job done", zap.Duration("took", time.Since(start)))
		return
	}

	dead, rerr := p.Queue.Retry(ctx, job, err)
	if rerr != nil {
		log.Error("retry failed", zap.Error(rerr), zap.NamedError("cause", err))
		return
	}
	if !dead {
		log.Warn("job failed, scheduled for retry", zap.Error(err))
		return
	}
	log.Error("job dead-lettered", zap.Error(err))
	if dh, ok := p.Handler.(DeadHandler); ok {
		if derr := dh.Dead(ctx, job, err); derr != nil {
			log.Error("dead job not recorded", zap.Error(derr))
		}
	}
}

func (p *Pool) safeHandle(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return p.Handler.Handle(ctx, job)
}
