package storage

import (
	"context"
	"time"

	"deferq/internal/eventbus"
	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

// Recorder appends every execution event published on a bus to a Store.
type Recorder struct {
	store Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()
}

// NewRecorder subscribes to bus immediately so no event published after it
// returns is missed, even before Run starts.
func NewRecorder(store Store, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	ch, unsub := bus.Subscribe(buffer, eventbus.ExecutionPrefix)
	return &Recorder{store: store, log: log.With(logx.String("component", "journal")), ch: ch, unsub: unsub}
}

// Run consumes events until ctx ends, then flushes what is already buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	if !ev.IsExecution() {
		return
	}
	exec, ok := ev.Data.(backend.Execution)
	if !ok {
		return
	}
	if err := r.store.Append(ctx, EntryFor(ev.Type, ev.Time, exec)); err != nil {
		r.log.Warn("journal append failed", logx.String("id", exec.ID), logx.String("event", ev.Type), logx.Err(err))
	}
}
