package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/allocator"
	"github.com/SirClappington/sandboxd/internal/config"
	"github.com/SirClappington/sandboxd/internal/dlq"
	"github.com/SirClappington/sandboxd/internal/leader"
	"github.com/SirClappington/sandboxd/internal/logging"
	"github.com/SirClappington/sandboxd/internal/poller"
	"github.com/SirClappington/sandboxd/internal/procsignal"
	"github.com/SirClappington/sandboxd/internal/queue"
	"github.com/SirClappington/sandboxd/internal/reconcile"
	"github.com/SirClappington/sandboxd/internal/storage"
)

func main() {
	os.Exit(exitCode())
}

// exitCode returns the process status; deferred cleanup runs before exit.
func exitCode() int {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Printf("config: %v", err)
		return 2
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		stdlog.Printf("logger: %v", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("reconciler stopped", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	rdb, err := queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := storage.New(pool)
	q := queue.New(rdb, queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.JobVisibilityTimeout,
		MaxAttempts:       cfg.JobMaxAttempts,
		RetryDelay:        cfg.JobRetryDelay,
	})
	alloc := allocator.New(cfg.AllocatorURL, cfg.AllocatorTimeout)
	deadLetters := dlq.New(store, log)

	elector := leader.New(pool, cfg.LeaderLockKey, log)
	defer func() {
		if err := elector.Resign(context.Background()); err != nil {
			log.Warn("resign failed", zap.Error(err))
		}
	}()

	dispatcher := &reconcile.Dispatcher{Store: store, Allocator: alloc, Queue: q, Log: log.Named("dispatch")}
	returner := &reconcile.IPReturner{Store: store, Allocator: alloc, DLQ: deadLetters, Log: log.Named("ip_return")}
	enforcer := &reconcile.CancellationEnforcer{Store: store, Signal: procsignal.Terminator{}, Log: log.Named("cancel")}
	reaper := &reconcile.QueueReaper{Queue: q}

	var g poller.Group
	g.Add(&poller.Loop{Name: "dispatch", Interval: cfg.DispatchInterval, Tick: dispatcher.Tick, Gate: elector, Log: log})
	g.Add(&poller.Loop{Name: reconcile.TaskIPReturn, Interval: cfg.IPReturnInterval, Tick: returner.Tick, Gate: elector, Log: log})
	g.Add(&poller.Loop{Name: "cancellation_enforcer", Interval: cfg.CancelInterval, Tick: enforcer.Tick, Gate: elector, Log: log})
	g.Add(&poller.Loop{Name: "queue_reaper", Interval: cfg.QueueReaperInterval, Tick: reaper.Tick, Gate: elector, Log: log})

	log.Info("reconciler started",
		zap.String("queue", cfg.QueueName),
		zap.Int64("leader_lock_key", cfg.LeaderLockKey))
	return g.Run(ctx)
}
