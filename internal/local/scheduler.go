package local

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"deferq/internal/gatedqueue"
	"deferq/internal/runtime/supervisor"
	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

var errSkip = errors.New("skip")

// Start runs the dispatch loop until Stop. Calling Start on a running
// backend is a no-op.
func (b *Backend) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.halted = false
	stopCh := b.stopCh
	b.sup.Go("scheduler", func(supCtx context.Context) error {
		return b.loop(supCtx, stopCh)
	})
	b.runMu.Unlock()
	b.log.Info("local backend started", logx.Duration("tick", b.tick))

	// Items left queued by a previous Stop.
	b.fnMu.Lock()
	queues := make([]*gatedqueue.Queue[string], 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.fnMu.Unlock()
	for _, q := range queues {
		if err := q.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops issuing ticks and waits for in-flight invocations. If ctx
// expires first, invocation contexts are cancelled and ctx.Err is returned.
// The backend may be started again afterwards.
func (b *Backend) Stop(ctx context.Context) error {
	b.runMu.Lock()
	if b.stopping {
		b.runMu.Unlock()
		return nil
	}
	b.stopping = true
	close(b.stopCh)
	sup := b.sup
	b.runMu.Unlock()

	b.log.Info("stopping local backend")
	var result *multierror.Error
	if err := sup.Wait(ctx); err != nil {
		result = multierror.Append(result, err)
		if ctx.Err() != nil {
			sup.Cancel()
		}
	}
	sup.Cancel()

	b.runMu.Lock()
	b.running = false
	b.sup = supervisor.New(context.Background(), supervisor.WithLogger(b.log), supervisor.WithClock(b.clock))
	b.stopCh = make(chan struct{})
	b.stopping = false
	b.halted = true
	b.runMu.Unlock()

	b.log.Info("local backend stopped")
	return result.ErrorOrNil()
}

// Kick wakes the dispatch loop without waiting for the next tick.
func (b *Backend) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Backend) loop(ctx context.Context, stopCh <-chan struct{}) error {
	t := b.clock.NewTicker(b.tick)
	defer t.Stop()
	for {
		b.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-t.Chan():
		case <-b.kick:
		}
	}
}

// Tick runs one dispatch pass: expired executions are discarded and due ones
// are handed to their function's queue. A panic is logged and confined to
// the tick it happened in.
func (b *Backend) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("scheduler tick panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	now := b.clock.Now()
	for _, id := range b.store.Keys() {
		if ctx.Err() != nil {
			return
		}
		b.tickOne(ctx, id, now)
	}
}

func (b *Backend) tickOne(ctx context.Context, id string, now time.Time) {
	discarded, push := false, false
	rec, err := b.store.Transaction(ctx, id, func(r record) (record, error) {
		if r.exec.State != backend.StateCreated {
			return r, errSkip
		}
		if expired(r.exec, now) {
			r.exec.State = backend.StateDiscarded
			r.exec.UpdatedAt = now
			discarded = true
			return r, nil
		}
		if r.queued || r.exec.ScheduleFor.After(now) {
			return r, errSkip
		}
		r.queued = true
		push = true
		return r, nil
	})
	switch {
	case errors.Is(err, errSkip):
		return
	case err != nil:
		b.log.Warn("scheduler transaction failed", logx.String("id", id), logx.Err(err))
		return
	case discarded:
		b.log.Debug("execution discarded", logx.String("id", id), logx.Time("discard_after", rec.exec.DiscardAfter))
		b.emit(backend.StateCreated, rec.exec)
	case push:
		if err := b.queue(rec.fn, rec.exec.FunctionID).Push(ctx, id); err != nil {
			b.log.Warn("queue push failed", logx.String("id", id), logx.Err(err))
		}
	}
}

func expired(e backend.Execution, now time.Time) bool {
	return !e.DiscardAfter.IsZero() && now.After(e.DiscardAfter)
}

// run is invoked by a function queue once a concurrency slot is held.
func (b *Backend) run(ctx context.Context, id string) {
	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := b.clock.Now()
	paused := !b.dispatching()
	discarded, start := false, false
	rec, err := b.store.Transaction(context.Background(), id, func(r record) (record, error) {
		r.queued = false
		switch {
		case r.exec.State != backend.StateCreated, paused:
			// Left created and unqueued; the next tick after Start picks it up.
		case expired(r.exec, now):
			r.exec.State = backend.StateDiscarded
			r.exec.UpdatedAt = now
			discarded = true
		case r.exec.ScheduleFor.After(now):
			// Rescheduled while waiting for a slot.
		default:
			r.exec.State = backend.StateStarted
			r.exec.StartedAt = now
			r.exec.UpdatedAt = now
			r.cancel = cancel
			start = true
		}
		return r, nil
	})
	if err != nil {
		b.log.Warn("dequeue transaction failed", logx.String("id", id), logx.Err(err))
		return
	}
	if discarded {
		b.emit(backend.StateCreated, rec.exec)
		return
	}
	if !start {
		return
	}

	log := b.log.With(logx.String("id", id), logx.String("function", rec.exec.FunctionName))
	log.Info("starting execution", logx.Time("schedule_for", rec.exec.ScheduleFor))
	b.emit(backend.StateCreated, rec.exec)

	result, failure := invoke(invCtx, rec.fn, rec.exec.Args)
	b.finish(id, result, failure, log)
}

// dispatching is false while Stop runs and after it returns, until the next
// Start. Invocations that outlived a timed-out Stop still drain their queue,
// but nothing they pop is started.
func (b *Backend) dispatching() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return !b.stopping && !b.halted
}

func invoke(ctx context.Context, fn *backend.Function, args json.RawMessage) (result json.RawMessage, failure *backend.ErrorPayload) {
	defer func() {
		if r := recover(); r != nil {
			p := backend.PanicPayload(r, debug.Stack())
			result, failure = nil, &p
		}
	}()

	out, err := fn.Invoke(ctx, args)
	if err != nil {
		p := backend.NewErrorPayload(err)
		return nil, &p
	}
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(out) {
		p := backend.NewErrorPayload(errors.New("function returned invalid json"))
		return nil, &p
	}
	return out, nil
}

func (b *Backend) finish(id string, result json.RawMessage, failure *backend.ErrorPayload, log logx.Logger) {
	var from backend.State
	rec, err := b.store.Transaction(context.Background(), id, func(r record) (record, error) {
		from = r.exec.State
		switch r.exec.State {
		case backend.StateAborting:
			r.exec.State = backend.StateAborted
		case backend.StateStarted:
			if failure != nil {
				payload, err := json.Marshal(failure)
				if err != nil {
					return r, err
				}
				r.exec.State = backend.StateFailed
				r.exec.Result = payload
				r.exec.ErrorCode = backend.ErrorCodeFailed
			} else {
				r.exec.State = backend.StateSucceed
				r.exec.Result = result
			}
		default:
			return r, errSkip
		}
		r.cancel = nil
		r.exec.UpdatedAt = b.clock.Now()
		return r, nil
	})
	if err != nil {
		log.Error("cannot record execution result", logx.Err(err))
		return
	}

	switch rec.exec.State {
	case backend.StateFailed:
		log.Warn("execution failed", logx.String("cause", failure.Message))
	case backend.StateAborted:
		log.Info("execution aborted")
	default:
		log.Info("execution succeeded")
	}
	b.emit(from, rec.exec)
}

func sortFunctions(fs []FunctionSnapshot) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
}
