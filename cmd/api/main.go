package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/config"
	"github.com/SirClappington/sandboxd/internal/dlq"
	"github.com/SirClappington/sandboxd/internal/httpapi"
	"github.com/SirClappington/sandboxd/internal/logging"
	"github.com/SirClappington/sandboxd/internal/queue"
	"github.com/SirClappington/sandboxd/internal/storage"
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
		log.Error("api stopped", zap.Error(err))
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
	srv := &httpapi.Server{
		DLQ:      dlq.New(store, log),
		Sessions: store,
		Queue:    queue.New(rdb, queue.Options{Name: cfg.QueueName}),
		Health: []httpapi.Pinger{
			pool,
			httpapi.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		},
		Log: log.Named("http"),
	}

	hs := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdown); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
