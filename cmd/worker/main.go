package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/config"
	"github.com/SirClappington/sandboxd/internal/logging"
	"github.com/SirClappington/sandboxd/internal/queue"
	"github.com/SirClappington/sandboxd/internal/storage"
	"github.com/SirClappington/sandboxd/internal/worker"
)

func main() {
	os.Exit(exitCode())
}

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
		log.Error("worker stopped", zap.Error(err))
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

	q := queue.New(rdb, queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.JobVisibilityTimeout,
		MaxAttempts:       cfg.JobMaxAttempts,
		RetryDelay:        cfg.JobRetryDelay,
	})
	p := &worker.Pool{
		Queue:       q,
		Handler:     &worker.WorkItems{Store: storage.New(pool), Log: log.Named("work_items")},
		Log:         log.Named("worker"),
		Concurrency: cfg.WorkerConcurrency,
	}
	log.Info("worker started", zap.String("queue", cfg.QueueName), zap.Int("concurrency", cfg.WorkerConcurrency))
	return p.Run(ctx)
}
