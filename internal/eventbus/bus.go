// Package eventbus is an in-memory, non-blocking fanout of execution
// transitions and other internal signals.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published signal. The local backend publishes one event per
// execution transition, typed "execution.<state>" with a backend.Execution
// as Data.
type Event struct {
	Type string
	Time time.Time
	Data any
}

const ExecutionPrefix = "execution."

// ExecutionTopic returns the event type for a transition into state.
func ExecutionTopic(state string) string { return ExecutionPrefix + state }

// IsExecution reports whether e describes an execution transition.
func (e Event) IsExecution() bool { return strings.HasPrefix(e.Type, ExecutionPrefix) }

// Bus never blocks the publisher: an event that does not fit in a
// subscriber's buffer is dropped for that subscriber and counted.
type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose type starts with one of prefixes
	// (all events when none are given). unsubscribe closes the channel and
	// may be called more than once.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock keeps unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
