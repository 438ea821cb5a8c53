package local

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deferq/internal/eventbus"
	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	b := New(append([]Option{WithLogger(logx.Nop())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func newManual(t *testing.T, opts ...Option) (*Backend, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	return newBackend(t, append([]Option{WithClock(clock)}, opts...)...), clock
}

func fnOf(name string, body func(ctx context.Context, args json.RawMessage) (any, error)) *backend.Function {
	return &backend.Function{
		Name: name,
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			v, err := body(ctx, args)
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		},
	}
}

func constant(name string, v any) *backend.Function {
	return fnOf(name, func(context.Context, json.RawMessage) (any, error) { return v, nil })
}

// blocking returns a function that waits for release (or its context).
func blocking(name string, release <-chan struct{}) *backend.Function {
	return fnOf(name, func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func waitState(t *testing.T, b *Backend, id string, want backend.State) backend.Execution {
	t.Helper()
	var got backend.Execution
	require.Eventually(t, func() bool {
		e, err := b.GetExecution(context.Background(), id)
		if err != nil {
			return false
		}
		got = e
		return e.State == want
	}, 3*time.Second, time.Millisecond, "execution %s never reached %s (last %s)", id, want, got.State)
	return got
}

func TestEnqueueCreatesExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)
	fn := constant("send", "ok")

	md := map[string]string{"tenant": "acme"}
	a, err := b.Enqueue(ctx, fn, []any{"x", 1}, backend.EnqueueOptions{Metadata: md})
	require.NoError(t, err)
	md["tenant"] = "changed"

	assert.Equal(t, backend.StateCreated, a.State)
	assert.Equal(t, t0, a.ScheduleFor)
	assert.Equal(t, t0, a.CreatedAt)
	assert.JSONEq(t, `["x",1]`, string(a.Args))

	got, err := b.GetExecution(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "acme", got.Metadata["tenant"])

	c, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.FunctionID, c.FunctionID)
	assert.NotEqual(t, a.ID, c.ID)

	other, err := b.Enqueue(ctx, constant("other", 1), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a.FunctionID, other.FunctionID)

	id, ok := b.FunctionID("send")
	require.True(t, ok)
	assert.Equal(t, a.FunctionID, id)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)

	_, err := b.Enqueue(ctx, constant("f", 1), make(chan int), backend.EnqueueOptions{})
	require.ErrorIs(t, err, backend.ErrArgumentSerialization)

	_, err = b.Enqueue(ctx, nil, nil, backend.EnqueueOptions{})
	require.ErrorIs(t, err, ErrInvalidFunction)

	_, err = b.Enqueue(ctx, &backend.Function{Name: "noop"}, nil, backend.EnqueueOptions{})
	require.ErrorIs(t, err, ErrInvalidFunction)

	assert.Empty(t, b.store.Keys())
}

func TestUnknownExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)

	_, err := b.GetExecution(ctx, "missing")
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
	_, err = b.CancelExecution(ctx, "missing", true)
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
	_, err = b.RescheduleExecution(ctx, "missing", t0)
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
	_, err = b.ReRunExecution(ctx, "missing")
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
}

func TestCancelCreated(t *testing.T) {
	t.Parallel()

	for _, force := range []bool{false, true} {
		force := force
		t.Run(map[bool]string{false: "soft", true: "force"}[force], func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, clock := newManual(t)
			var calls atomic.Int32
			fn := fnOf("f", func(context.Context, json.RawMessage) (any, error) {
				calls.Add(1)
				return nil, nil
			})

			e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{ScheduleFor: t0.Add(time.Minute)})
			require.NoError(t, err)

			clock.Advance(time.Second)
			got, err := b.CancelExecution(ctx, e.ID, force)
			require.NoError(t, err)
			assert.Equal(t, backend.StateCancelled, got.State)
			assert.Equal(t, t0.Add(time.Second), got.UpdatedAt)

			clock.Advance(time.Hour)
			b.Tick(ctx)
			_, err = b.CancelExecution(ctx, e.ID, force)
			require.ErrorIs(t, err, backend.ErrExecutionNotCancellable)
			assert.Equal(t, int32(0), calls.Load())
		})
	}
}

func TestCancelStarted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)
	release := make(chan struct{})
	defer close(release)

	e, err := b.Enqueue(ctx, blocking("slow", release), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	b.Tick(ctx)
	waitState(t, b, e.ID, backend.StateStarted)

	_, err = b.CancelExecution(ctx, e.ID, false)
	require.ErrorIs(t, err, backend.ErrExecutionNotCancellable)

	got, err := b.CancelExecution(ctx, e.ID, true)
	require.NoError(t, err)
	assert.Equal(t, backend.StateAborting, got.State)

	_, err = b.CancelExecution(ctx, e.ID, true)
	require.ErrorIs(t, err, backend.ErrExecutionAbortingAlreadyInProgress)

	var ee *backend.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, backend.StateAborting, ee.State)

	// The invocation context is cancelled, so the body returns and the
	// execution settles as aborted without a result.
	done := waitState(t, b, e.ID, backend.StateAborted)
	assert.Nil(t, done.Result)

	_, err = b.CancelExecution(ctx, e.ID, true)
	require.ErrorIs(t, err, backend.ErrExecutionNotCancellable)
}

func TestAbortedEvenWhenBodyIgnoresContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)
	started := make(chan struct{})
	release := make(chan struct{})
	fn := fnOf("stubborn", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		<-release
		return "finished anyway", nil
	})

	e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	b.Tick(ctx)
	<-started

	_, err = b.CancelExecution(ctx, e.ID, true)
	require.NoError(t, err)
	close(release)

	done := waitState(t, b, e.ID, backend.StateAborted)
	assert.Nil(t, done.Result)
}

func TestReschedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clock := newManual(t)
	release := make(chan struct{})
	defer close(release)
	fn := blocking("later", release)

	e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{ScheduleFor: t0.Add(time.Hour)})
	require.NoError(t, err)

	target := t0.Add(10 * time.Second)
	got, err := b.RescheduleExecution(ctx, e.ID, target)
	require.NoError(t, err)
	assert.Equal(t, backend.StateCreated, got.State)
	assert.Equal(t, target, got.ScheduleFor)

	b.Tick(ctx)
	cur, _ := b.GetExecution(ctx, e.ID)
	assert.Equal(t, backend.StateCreated, cur.State, "not due yet")

	clock.Advance(10 * time.Second)
	b.Tick(ctx)
	waitState(t, b, e.ID, backend.StateStarted)

	_, err = b.RescheduleExecution(ctx, e.ID, t0)
	require.ErrorIs(t, err, backend.ErrExecutionNotReschedulable)

	c, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{ScheduleFor: t0.Add(time.Hour)})
	require.NoError(t, err)
	_, err = b.CancelExecution(ctx, c.ID, false)
	require.NoError(t, err)
	_, err = b.RescheduleExecution(ctx, c.ID, t0)
	require.ErrorIs(t, err, backend.ErrExecutionNotReschedulable)
}

func TestDiscardBeforeSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clock := newManual(t)
	var calls atomic.Int32
	fn := fnOf("f", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{
		ScheduleFor:  t0.Add(10 * time.Second),
		DiscardAfter: t0.Add(5 * time.Second),
	})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	b.Tick(ctx)
	cur, _ := b.GetExecution(ctx, e.ID)
	assert.Equal(t, backend.StateCreated, cur.State, "deadline reached but not passed")

	clock.Advance(time.Second)
	b.Tick(ctx)
	cur, _ = b.GetExecution(ctx, e.ID)
	assert.Equal(t, backend.StateDiscarded, cur.State)
	assert.True(t, cur.StartedAt.IsZero())

	clock.Advance(time.Minute)
	b.Tick(ctx)
	cur, _ = b.GetExecution(ctx, e.ID)
	assert.Equal(t, backend.StateDiscarded, cur.State)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDueExecutionWithFutureDiscardRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)

	e, err := b.Enqueue(ctx, constant("f", "ran"), nil, backend.EnqueueOptions{
		DiscardAfter: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	b.Tick(ctx)
	done := waitState(t, b, e.ID, backend.StateSucceed)
	assert.JSONEq(t, `"ran"`, string(done.Result))
}

func TestEndToEndSucceed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	e, err := b.Enqueue(ctx, constant("hello", "hello"), nil, backend.EnqueueOptions{})
	require.NoError(t, err)

	done := waitState(t, b, e.ID, backend.StateSucceed)
	var s string
	require.NoError(t, json.Unmarshal(done.Result, &s))
	assert.Equal(t, "hello", s)
	assert.Empty(t, done.ErrorCode)
	assert.False(t, done.StartedAt.IsZero())
}

func TestEndToEndFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	fn := fnOf("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("something broke")
	})
	e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)

	done := waitState(t, b, e.ID, backend.StateFailed)
	var p backend.ErrorPayload
	require.NoError(t, json.Unmarshal(done.Result, &p))
	assert.Equal(t, "something broke", p.Message)
	assert.Equal(t, backend.ErrorCodeFailed, done.ErrorCode)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	fn := fnOf("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})
	e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)

	done := waitState(t, b, e.ID, backend.StateFailed)
	var p backend.ErrorPayload
	require.NoError(t, json.Unmarshal(done.Result, &p))
	assert.Equal(t, "panic", p.Name)
	assert.Equal(t, "kaboom", p.Message)
	assert.NotEmpty(t, p.Stack)

	// The loop survives and keeps dispatching.
	next, err := b.Enqueue(ctx, constant("after", 1), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	waitState(t, b, next.ID, backend.StateSucceed)
}

func TestReRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clock := newManual(t)
	fn := constant("echo", "x")

	orig, err := b.Enqueue(ctx, fn, map[string]int{"n": 1}, backend.EnqueueOptions{
		Metadata: map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	b.Tick(ctx)
	waitState(t, b, orig.ID, backend.StateSucceed)

	clock.Advance(time.Minute)
	rerun, err := b.ReRunExecution(ctx, orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, rerun.ID)
	assert.Equal(t, orig.ID, rerun.RetryOf)
	assert.Equal(t, backend.StateCreated, rerun.State)
	assert.Equal(t, orig.FunctionName, rerun.FunctionName)
	assert.Equal(t, orig.FunctionID, rerun.FunctionID)
	assert.JSONEq(t, string(orig.Args), string(rerun.Args))
	assert.Equal(t, orig.Metadata, rerun.Metadata)
	assert.Equal(t, t0.Add(time.Minute), rerun.ScheduleFor)

	b.Tick(ctx)
	waitState(t, b, rerun.ID, backend.StateSucceed)
}

func TestConcurrencyLimitOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	var live, peak atomic.Int32
	fn := fnOf("serial", func(context.Context, json.RawMessage) (any, error) {
		n := live.Add(1)
		defer live.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	fn.Concurrency = 1

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := b.Enqueue(ctx, fn, i, backend.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	var done []backend.Execution
	for _, id := range ids {
		done = append(done, waitState(t, b, id, backend.StateSucceed))
	}
	assert.Equal(t, int32(1), peak.Load())

	sort.Slice(done, func(i, j int) bool { return done[i].StartedAt.Before(done[j].StartedAt) })
	for i := 1; i < len(done); i++ {
		assert.False(t, done[i].StartedAt.Before(done[i-1].UpdatedAt), "started windows overlap")
	}
}

func TestSetConcurrencyRaisesLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t)
	release := make(chan struct{})
	defer close(release)
	fn := blocking("gated", release)
	fn.Concurrency = 1

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	b.Tick(ctx)
	waitState(t, b, ids[0], backend.StateStarted)

	snap := b.Snapshot()
	require.Len(t, snap.Functions, 1)
	assert.Equal(t, 3, snap.Executions)
	fnID, ok := b.FunctionID("gated")
	require.True(t, ok)
	assert.Equal(t, fnID, snap.Functions[0].ID)
	assert.Equal(t, "gated", snap.Functions[0].Name)
	assert.Equal(t, 1, snap.Functions[0].InFlight)
	assert.Equal(t, 2, snap.Functions[0].Queued)
	assert.Equal(t, 2, snap.States[backend.StateCreated])

	require.NoError(t, b.SetConcurrency(ctx, "gated", 3))
	for _, id := range ids {
		waitState(t, b, id, backend.StateStarted)
	}
}

func TestConcurrencyOverrideOption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t, WithConcurrency(map[string]int{"gated": 2}))
	release := make(chan struct{})
	defer close(release)

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := b.Enqueue(ctx, blocking("gated", release), nil, backend.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	b.Tick(ctx)
	waitState(t, b, ids[0], backend.StateStarted)
	waitState(t, b, ids[1], backend.StateStarted)

	cur, _ := b.GetExecution(ctx, ids[2])
	assert.Equal(t, backend.StateCreated, cur.State)
}

func TestResetConcurrencyRestoresDeclaredLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newManual(t, WithConcurrency(map[string]int{"gated": 1}))
	release := make(chan struct{})
	defer close(release)
	fn := blocking("gated", release)
	fn.Concurrency = 2

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	b.Tick(ctx)
	waitState(t, b, ids[0], backend.StateStarted)
	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	require.NoError(t, b.ResetConcurrency(ctx, "gated"))
	waitState(t, b, ids[1], backend.StateStarted)
	cur, _ := b.GetExecution(ctx, ids[2])
	assert.Equal(t, backend.StateCreated, cur.State)
	assert.Equal(t, 2, b.Snapshot().Functions[0].Limit)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	panicOn     backend.State
}

func (o *recordingObserver) ObserveTransition(from backend.State, e backend.Execution) {
	o.mu.Lock()
	o.transitions = append(o.transitions, string(from)+">"+string(e.State))
	o.mu.Unlock()
	if o.panicOn != "" && e.State == o.panicOn {
		panic("observer failure")
	}
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func TestTransitionsArePublished(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	obs := &recordingObserver{}
	b, _ := newManual(t, WithBus(bus), WithObserver(obs))

	e, err := b.Enqueue(ctx, constant("f", 1), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	b.Tick(ctx)
	waitState(t, b, e.ID, backend.StateSucceed)

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			got, ok := ev.Data.(backend.Execution)
			require.True(t, ok)
			assert.Equal(t, e.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []string{"execution.created", "execution.started", "execution.succeed"}, types)
	require.Eventually(t, func() bool { return len(obs.seen()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{">created", "created>started", "started>succeed"}, obs.seen())
}

func TestTickPanicDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	obs := &recordingObserver{panicOn: backend.StateDiscarded}
	b := newBackend(t, WithObserver(obs))
	require.NoError(t, b.Start(ctx))

	now := time.Now()
	stale, err := b.Enqueue(ctx, constant("f", 1), nil, backend.EnqueueOptions{
		ScheduleFor:  now.Add(time.Hour),
		DiscardAfter: now.Add(-time.Second),
	})
	require.NoError(t, err)
	waitState(t, b, stale.ID, backend.StateDiscarded)

	fresh, err := b.Enqueue(ctx, constant("f", 2), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	waitState(t, b, fresh.ID, backend.StateSucceed)
}

func TestStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	started := make(chan struct{})
	fn := fnOf("slow", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	})
	e, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(stopCtx))

	got, err := b.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StateSucceed, got.State)
	assert.False(t, b.Snapshot().Running)
}

func TestStopDeadlineCancelsInvocations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	never := make(chan struct{})
	e, err := b.Enqueue(ctx, blocking("stuck", never), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	waitState(t, b, e.ID, backend.StateStarted)

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = b.Stop(stopCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := waitState(t, b, e.ID, backend.StateFailed)
	var p backend.ErrorPayload
	require.NoError(t, json.Unmarshal(done.Result, &p))
	assert.Equal(t, context.Canceled.Error(), p.Message)
}

func TestTimedOutStopDoesNotDispatchQueuedWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))

	release := make(chan struct{})
	var calls atomic.Int32
	fn := fnOf("stubborn", func(context.Context, json.RawMessage) (any, error) {
		if calls.Add(1) == 1 {
			<-release // ignores ctx
		}
		return "ok", nil
	})
	fn.Concurrency = 1

	first, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	waitState(t, b, first.ID, backend.StateStarted)
	second, err := b.Enqueue(ctx, fn, nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _ := b.QueueDepth(ctx)
		return n == 1
	}, 3*time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Stop(stopCtx), context.DeadlineExceeded)

	close(release)
	waitState(t, b, first.ID, backend.StateSucceed)
	require.Eventually(t, func() bool {
		n, _ := b.QueueDepth(ctx)
		return n == 0
	}, 3*time.Second, time.Millisecond)
	assert.Never(t, func() bool {
		cur, err := b.GetExecution(ctx, second.ID)
		return err != nil || cur.State != backend.StateCreated
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, b.Snapshot().Running)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, b.Start(ctx))
	waitState(t, b, second.ID, backend.StateSucceed)
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.Start(ctx))
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, b.Stop(stopCtx))

	e, err := b.Enqueue(ctx, constant("f", 1), nil, backend.EnqueueOptions{})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	cur, _ := b.GetExecution(ctx, e.ID)
	assert.Equal(t, backend.StateCreated, cur.State, "stopped backend does not dispatch")

	require.NoError(t, b.Start(ctx))
	waitState(t, b, e.ID, backend.StateSucceed)
}
