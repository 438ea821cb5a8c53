// Package counter tracks per-key integers under per-key locks.
// The local backend uses it for in-flight invocation accounting.
package counter

import (
	"context"
	"sync"

	"deferq/internal/keyedlock"
)

type Counter struct {
	locks *keyedlock.Locker

	mu   sync.RWMutex
	vals map[string]int
}

func New() *Counter {
	return &Counter{locks: keyedlock.New(), vals: map[string]int{}}
}

func (c *Counter) Incr(ctx context.Context, key string) (int, error) {
	return c.update(ctx, key, func(v int) (int, bool) { return v + 1, true })
}

// Decr never goes below zero.
func (c *Counter) Decr(ctx context.Context, key string) (int, error) {
	return c.update(ctx, key, func(v int) (int, bool) {
		if v <= 0 {
			return 0, true
		}
		return v - 1, true
	})
}

// TryIncr increments key only when its value is below limit.
// A limit <= 0 means unlimited.
func (c *Counter) TryIncr(ctx context.Context, key string, limit int) (bool, error) {
	ok := false
	_, err := c.update(ctx, key, func(v int) (int, bool) {
		if limit > 0 && v >= limit {
			return v, false
		}
		ok = true
		return v + 1, true
	})
	return ok, err
}

// Get returns 0 for unseen keys.
func (c *Counter) Get(ctx context.Context, key string) (int, error) {
	release, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()
	return c.load(key), nil
}

// Snapshot copies every non-zero value.
func (c *Counter) Snapshot() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.vals))
	for k, v := range c.vals {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

func (c *Counter) update(ctx context.Context, key string, fn func(int) (int, bool)) (int, error) {
	var v int
	err := c.locks.WithLock(ctx, key, func() error {
		var write bool
		v, write = fn(c.load(key))
		if write {
			c.mu.Lock()
			c.vals[key] = v
			c.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (c *Counter) load(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals[key]
}
