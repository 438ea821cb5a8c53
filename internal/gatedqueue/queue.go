// Package gatedqueue implements a per-function FIFO whose items are invoked
// only while the function's in-flight count is below its concurrency limit.
//
// Dispatch is push driven: Push and every completed invocation drain the
// queue, so there is no polling between an item becoming runnable and its
// invocation.
package gatedqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"deferq/internal/counter"
)

// SpawnFunc starts fn on a goroutine. The local backend routes it through its
// supervisor so shutdown can await in-flight invocations.
type SpawnFunc func(name string, fn func(ctx context.Context))

type RunFunc[T any] func(ctx context.Context, item T)

type Queue[T any] struct {
	key     string
	counter *counter.Counter
	run     RunFunc[T]
	spawn   SpawnFunc
	limit   atomic.Int64

	mu    sync.Mutex
	items []T
}

type Option[T any] func(*Queue[T])

func WithSpawn[T any](spawn SpawnFunc) Option[T] {
	return func(q *Queue[T]) {
		if spawn != nil {
			q.spawn = spawn
		}
	}
}

// New returns a queue gated on key in c. limit <= 0 means unlimited.
func New[T any](key string, limit int, c *counter.Counter, run RunFunc[T], opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		key:     key,
		counter: c,
		run:     run,
		spawn: func(_ string, fn func(ctx context.Context)) {
			go fn(context.Background())
		},
	}
	q.limit.Store(int64(limit))
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue[T]) Key() string { return q.key }

// Push appends item and starts as many queued items as the limit allows.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return q.Drain(ctx)
}

// Drain pops and starts items while the in-flight count is under the limit.
func (q *Queue[T]) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		ok, err := q.counter.TryIncr(ctx, q.key, q.Limit())
		if err != nil || !ok {
			q.mu.Unlock()
			return err
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.spawn("invoke:"+q.key, func(ctx context.Context) {
			defer q.done()
			q.run(ctx, item)
		})
	}
}

// done runs after every invocation, including panicking ones.
func (q *Queue[T]) done() {
	ctx := context.Background()
	_, _ = q.counter.Decr(ctx, q.key)
	_ = q.Drain(ctx)
}

func (q *Queue[T]) Limit() int { return int(q.limit.Load()) }

// SetLimit changes the limit for subsequent dispatches. Raising it starts
// queued items immediately.
func (q *Queue[T]) SetLimit(ctx context.Context, limit int) error {
	q.limit.Store(int64(limit))
	return q.Drain(ctx)
}

// Len returns the number of items waiting for a slot.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of running invocations.
func (q *Queue[T]) InFlight(ctx context.Context) (int, error) {
	return q.counter.Get(ctx, q.key)
}
