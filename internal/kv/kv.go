// Package kv is a generic in-memory map with per-key read-modify-write
// transactions.
package kv

import (
	"context"
	"errors"
	"sync"

	"deferq/internal/keyedlock"
)

var ErrNotFound = errors.New("kv: not found")

type KV[T any] struct {
	locks *keyedlock.Locker

	mu    sync.RWMutex
	vals  map[string]T
	order []string
}

func New[T any]() *KV[T] {
	return &KV[T]{locks: keyedlock.New(), vals: map[string]T{}}
}

// Get returns a copy of the value stored under key.
func (s *KV[T]) Get(key string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v, nil
}

// Set stores v under key. Set does not take the key lock; use Transaction for
// updates that depend on the current value.
func (s *KV[T]) Set(key string, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vals[key]; !ok {
		s.order = append(s.order, key)
	}
	s.vals[key] = v
}

// Keys returns a snapshot of keys in insertion order.
func (s *KV[T]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *KV[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vals)
}

// Transaction applies fn to the current value of key while holding the key
// lock. If fn returns an error nothing is written and the error is returned
// alongside the unchanged value.
func (s *KV[T]) Transaction(ctx context.Context, key string, fn func(T) (T, error)) (T, error) {
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()

	cur, err := s.Get(key)
	if err != nil {
		return cur, err
	}
	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	s.Set(key, next)
	return next, nil
}
