// Package leader elects a single active reconciler with a Postgres
// session-level advisory lock.
package leader

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Elector holds the advisory lock on one dedicated pool connection. The lock
// belongs to that backend session, so the connection is kept out of the pool
// for as long as leadership lasts.
type Elector struct {
	pool *pgxpool.Pool
	key  int64
	log  *zap.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func New(pool *pgxpool.Pool, key int64, log *zap.Logger) *Elector {
	return &Elector{pool: pool, key: key, log: log.Named("leader")}
}

// Allow reports whether this replica is the leader, trying to take the lock
// when it is not. Errors count as "not leader".
func (e *Elector) Allow(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		if err := e.conn.Ping(ctx); err == nil {
			return true
		}
		e.log.Warn("leader connection lost, stepping down", zap.Int64("key", e.key))
		e.drop()
	}

	ok, err := e.acquire(ctx)
	if err != nil {
		e.log.Error("leader election failed", zap.Error(err))
		return false
	}
	if ok {
		e.log.Info("acquired leadership", zap.Int64("key", e.key))
	}
	return ok
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, e.key).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	e.conn = conn
	return true, nil
}

// drop discards the held connection; closing the backend frees the lock.
func (e *Elector) drop() {
	_ = e.conn.Conn().Close(context.Background())
	e.conn.Release()
	e.conn = nil
}

// Resign releases the lock if held.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	var released bool
	err := e.conn.QueryRow(ctx, `select pg_advisory_unlock($1)`, e.key).Scan(&released)
	if err != nil {
		e.drop()
		return errors.Wrap(err, "advisory unlock")
	}
	e.conn.Release()
	e.conn = nil
	e.log.Info("resigned leadership", zap.Int64("key", e.key), zap.Bool("released", released))
	return nil
}
