// Package queue is a durable at-least-once job queue on Redis.
//
// A job body lives in the jobs:<q> hash; its id moves between the
// queue:<q> ready list, the processing:<q> list (with a visibility deadline
// in leases:<q>), the delay:<q> retry zset, and finally dead:<q>.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/sandboxd/internal/domain"
)

// ErrEmpty is returned by Dequeue when no job became ready in time.
var ErrEmpty = errors.New("queue empty")

type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	// PollInterval spaces claim attempts while Dequeue waits on an empty queue.
	PollInterval time.Duration
}

// claimScript moves the oldest ready id to processing and leases it in one
// step, so a processing id always carries a visibility deadline.
var claimScript = r.NewScript(`
local id = redis.call('LMOVE', KEYS[1], KEYS[2], 'RIGHT', 'LEFT')
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
return id
`)

type RedisQ struct {
	rdb  *r.Client
	opts Options
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, addr, password string) (*r.Client, error) {
	rdb := r.NewClient(&r.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

func New(rdb *r.Client, opts Options) *RedisQ {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &RedisQ{rdb: rdb, opts: opts}
}

func (q *RedisQ) key(kind string) string { return kind + ":" + q.opts.Name }

// Enqueue stores the job body and pushes its id on the ready list.
func (q *RedisQ) Enqueue(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), job.ID, body)
	pipe.LPush(ctx, q.key("queue"), job.ID)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "enqueue job %s", job.ID)
}

// Dequeue waits up to block for a ready job, moves it to the processing
// list and leases it for the visibility timeout. The job must then be
// Acked or Retried; otherwise RequeueExpired hands it out again.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (domain.Job, error) {
	var job domain.Job
	id, err := q.claim(ctx, block)
	if err != nil {
		return job, err
	}
	body, err := q.rdb.HGet(ctx, q.key("jobs"), id).Bytes()
	if errors.Is(err, r.Nil) {
		// Body already gone: a duplicate delivery of an acked job.
		_ = q.Ack(ctx, id)
		return job, ErrEmpty
	}
	if err != nil {
		return job, errors.Wrapf(err, "load job %s", id)
	}
	if err := json.Unmarshal(body, &job); err != nil {
		return job, errors.Wrapf(err, "decode job %s", id)
	}
	return job, nil
}

func (q *RedisQ) claim(ctx context.Context, block time.Duration) (string, error) {
	keys := []string{q.key("queue"), q.key("processing"), q.key("leases")}
	giveUp := time.Now().Add(block)
	for {
		deadline := time.Now().Add(q.opts.VisibilityTimeout).Unix()
		id, err := claimScript.Run(ctx, q.rdb, keys, deadline).Text()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, r.Nil) {
			return "", errors.Wrap(err, "dequeue")
		}
		wait := min(q.opts.PollInterval, time.Until(giveUp))
		if wait <= 0 {
			return "", ErrEmpty
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// Ack removes a finished job everywhere.
func (q *RedisQ) Ack(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("processing"), 0, id)
	pipe.ZRem(ctx, q.key("leases"), id)
	pipe.HDel(ctx, q.key("jobs"), id)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "ack job %s", id)
}

// Retry records a failed attempt. Below MaxAttempts the job is delayed by
// RetryDelay; after that it is parked on the dead list. It reports whether
// the job was dead-lettered.
func (q *RedisQ) Retry(ctx context.Context, job domain.Job, cause error) (bool, error) {
	job.Attempt++
	msg := cause.Error()
	job.Error = &msg
	body, err := json.Marshal(job)
	if err != nil {
		return false, errors.Wrap(err, "encode job")
	}
	dead := job.Attempt >= q.opts.MaxAttempts

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), job.ID, body)
	pipe.LRem(ctx, q.key("processing"), 0, job.ID)
	pipe.ZRem(ctx, q.key("leases"), job.ID)
	if dead {
		pipe.LPush(ctx, q.key("dead"), job.ID)
	} else {
		runAt := time.Now().Add(q.opts.RetryDelay)
		pipe.ZAdd(ctx, q.key("delay"), r.Z{Score: float64(runAt.Unix()), Member: job.ID})
	}
	_, err = pipe.Exec(ctx)
	return dead, errors.Wrapf(err, "retry job %s", job.ID)
}

// MoveDue pushes delayed jobs whose retry time has come back on the ready list.
func (q *RedisQ) MoveDue(ctx context.Context, now int64, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delay"), &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.key("queue"), id)
		pipe.ZRem(ctx, q.key("delay"), id)
	}
	_, err = pipe.Exec(ctx)
	return len(ids), err
}

// RequeueExpired returns jobs whose visibility deadline passed to the ready
// list; their worker is presumed dead.
func (q *RedisQ) RequeueExpired(ctx context.Context, now int64, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("leases"), &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LRem(ctx, q.key("processing"), 0, id)
		pipe.ZRem(ctx, q.key("leases"), id)
		pipe.LPush(ctx, q.key("queue"), id)
	}
	_, err = pipe.Exec(ctx)
	return len(ids), err
}

// Stats reports list lengths, for the operator interface.
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

func (q *RedisQ) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.key("queue"))
	processing := pipe.LLen(ctx, q.key("processing"))
	delayed := pipe.ZCard(ctx, q.key("delay"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{Ready: ready.Val(), Processing: processing.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}
