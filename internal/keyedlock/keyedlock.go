// Package keyedlock provides one mutual-exclusion lock per string key.
//
// Locks are created on first use and dropped once nobody holds or waits for
// them. Waiters on the same key are granted the lock in arrival order; distinct
// keys never contend.
package keyedlock

import (
	"context"
	"sync"
)

type entry struct {
	held    bool
	waiters []chan struct{}
	refs    int // holder + waiters
}

type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: map[string]*entry{}}
}

// Acquire blocks until the lock for key is granted or ctx is done.
// The returned release func may be called more than once; only the first call
// has an effect.
func (l *Locker) Acquire(ctx context.Context, key string) (release func(), err error) {
	l.mu.Lock()
	e := l.locks[key]
	if e == nil {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	if !e.held {
		e.held = true
		l.mu.Unlock()
		return l.releaser(key, e), nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key, e), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-ch:
		// Granted while we were giving up: pass it on.
		l.mu.Unlock()
		l.release(key, e)
		return nil, ctx.Err()
	default:
	}
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	e.refs--
	l.dropIfIdle(key, e)
	l.mu.Unlock()
	return nil, ctx.Err()
}

// WithLock runs fn while holding the lock for key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	release, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (l *Locker) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key, e) }) }
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.held = false
	l.dropIfIdle(key, e)
}

func (l *Locker) dropIfIdle(key string, e *entry) {
	if e.refs == 0 && !e.held && l.locks[key] == e {
		delete(l.locks, key)
	}
}
