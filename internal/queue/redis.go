// Package queue consumes jobs from a Redis list and stores their results.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultName is the list jobs are pushed to.
const DefaultName = "videogen:jobs"

// RedisQueue pops job payloads with BRPOP and keeps results under
// "<name>:results:<id>".
type RedisQueue struct {
	rdb       redis.Cmdable
	name      string
	resultTTL time.Duration
}

// NewRedisQueue returns a queue over the list name. A zero resultTTL keeps
// results forever.
func NewRedisQueue(rdb redis.Cmdable, name string, resultTTL time.Duration) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	return &RedisQueue{rdb: rdb, name: name, resultTTL: resultTTL}
}

// Name returns the list name.
func (q *RedisQueue) Name() string { return q.name }

// Pop blocks until a payload is available or timeout elapses. An empty
// payload with a nil error means the wait timed out.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Push enqueues a payload. Producers LPUSH so BRPOP yields FIFO order.
func (q *RedisQueue) Push(ctx context.Context, payload []byte) error {
	return q.rdb.LPush(ctx, q.name, payload).Err()
}

// ResultKey returns the key a job's result is stored under.
func (q *RedisQueue) ResultKey(id string) string {
	return q.name + ":results:" + id
}

// StoreResult saves the encoded result of job id.
func (q *RedisQueue) StoreResult(ctx context.Context, id string, result []byte) error {
	return q.rdb.Set(ctx, q.ResultKey(id), result, q.resultTTL).Err()
}
