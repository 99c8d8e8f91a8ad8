package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is a queued message.
type Envelope struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue hands envelopes from request goroutines to the outbox worker.
type Queue interface {
	Push(ctx context.Context, env Envelope) error
	// Pop blocks until an envelope is available or ctx is done.
	Pop(ctx context.Context) (Envelope, error)
	Len(ctx context.Context) int64
}

// ErrQueueFull is returned by MemoryQueue.Push when the buffer is full.
var ErrQueueFull = errors.New("notification queue is full")

// MemoryQueue is an in-process queue backed by a buffered channel.
type MemoryQueue struct {
	ch chan Envelope
}

// NewMemoryQueue creates a queue holding up to size envelopes.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Envelope, size)}
}

func (q *MemoryQueue) Push(_ context.Context, env Envelope) error {
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (Envelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) int64 {
	return int64(len(q.ch))
}

// DefaultRedisKey is the list used by RedisQueue.
const DefaultRedisKey = "taskminder:notifications"

// RedisQueue stores envelopes in a Redis list so that pending mail survives
// a restart of the web process.
type RedisQueue struct {
	rdb  *redis.Client
	key  string
	poll time.Duration
}

// NewRedisQueue creates a queue on the Redis server at addr.
func NewRedisQueue(addr, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{
		rdb:  redis.NewClient(&redis.Options{Addr: addr}),
		key:  key,
		poll: time.Second,
	}
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func (q *RedisQueue) Push(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.key, data).Err()
}

// Pop uses BLPOP with a short timeout so cancellation of ctx is noticed
// between polls.
func (q *RedisQueue) Pop(ctx context.Context) (Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}

		res, err := q.rdb.BLPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, fmt.Errorf("blpop %s: %w", q.key, err)
		}

		// res is [key, value]
		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) int64 {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return n
}
