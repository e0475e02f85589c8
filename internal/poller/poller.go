// Package poller runs independent timer-driven reconciliation loops.
//
// Each loop owns its ticker and shares nothing in memory with the others;
// coordination happens through the store. A tick that outlives the interval
// makes the ticker drop ticks instead of overlapping them.
package poller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickFunc performs one read-modify-write pass and reports how many
// entities it advanced. A non-nil error never stops the loop.
type TickFunc func(ctx context.Context) (int, error)

// Gate decides whether this replica should tick at all (leader election).
type Gate interface {
	Allow(ctx context.Context) bool
}

type Loop struct {
	Name     string
	Interval time.Duration
	Tick     TickFunc
	Gate     Gate
	Log      *zap.Logger
}

// Run ticks until ctx is cancelled. A tick already running when ctx is
// cancelled is allowed to finish.
func (l *Loop) Run(ctx context.Context) error {
	log := l.Log.Named(l.Name)
	log.Info("poller started", zap.Duration("interval", l.Interval))

	t := time.NewTicker(l.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return nil
		case <-t.C:
			if l.Gate != nil && !l.Gate.Allow(ctx) {
				continue
			}
			l.runOnce(context.WithoutCancel(ctx), log)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, log *zap.Logger) {
	start := time.Now()
	n, err := l.safeTick(ctx)
	if err != nil {
		log.Error("tick finished with errors",
			zap.Int("processed", n),
			zap.Int("errors", len(multierr.Errors(err))),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("tick processed entities", zap.Int("processed", n), zap.Duration("took", time.Since(start)))
	}
}

func (l *Loop) safeTick(ctx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("tick panicked: %v", p)
		}
	}()
	return l.Tick(ctx)
}

// Group runs loops concurrently and returns once all of them stopped.
type Group struct {
	loops []*Loop
}

func (g *Group) Add(l *Loop) { g.loops = append(g.loops, l) }

func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range g.loops {
		l := l
		eg.Go(func() error { return l.Run(ctx) })
	}
	return eg.Wait()
}
