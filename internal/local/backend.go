// Package local runs deferred functions in-process.
//
// It emulates the hosted execution service for development and tests: state
// is held in memory for the lifetime of the Backend and is never persisted.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"deferq/internal/counter"
	"deferq/internal/eventbus"
	"deferq/internal/gatedqueue"
	"deferq/internal/kv"
	"deferq/internal/runtime/supervisor"
	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

const DefaultTickInterval = 10 * time.Millisecond

var ErrInvalidFunction = errors.New("invalid function")

// Observer is notified of every state transition. from is empty for newly
// created executions.
type Observer interface {
	ObserveTransition(from backend.State, exec backend.Execution)
}

type record struct {
	exec   backend.Execution
	fn     *backend.Function
	queued bool
	cancel context.CancelFunc
}

type Backend struct {
	log      logx.Logger
	clock    clockwork.Clock
	bus      eventbus.Bus
	observer Observer
	tick     time.Duration

	store   *kv.KV[record]
	counter *counter.Counter

	fnMu    sync.Mutex
	fnIDs   map[string]string // name -> id
	fnNames map[string]string // id -> name
	queues  map[string]*gatedqueue.Queue[string]
	limits  map[string]int // name -> override
	own     map[string]int // name -> limit declared by the function

	runMu    sync.Mutex
	sup      *supervisor.Supervisor
	running  bool
	stopping bool
	halted   bool // set by Stop, cleared by Start
	stopCh   chan struct{}
	kick     chan struct{}
}

type Option func(*Backend)

func WithLogger(log logx.Logger) Option { return func(b *Backend) { b.log = log } }

func WithClock(c clockwork.Clock) Option {
	return func(b *Backend) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(b *Backend) { b.bus = bus } }

func WithObserver(o Observer) Option { return func(b *Backend) { b.observer = o } }

// WithTickInterval sets the dispatch loop period. Non-positive values keep the default.
func WithTickInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.tick = d
		}
	}
}

// WithConcurrency overrides Function.Concurrency by function name.
func WithConcurrency(limits map[string]int) Option {
	return func(b *Backend) {
		for k, v := range limits {
			b.limits[k] = v
		}
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		clock:   clockwork.NewRealClock(),
		tick:    DefaultTickInterval,
		store:   kv.New[record](),
		counter: counter.New(),
		fnIDs:   map[string]string{},
		fnNames: map[string]string{},
		queues:  map[string]*gatedqueue.Queue[string]{},
		limits:  map[string]int{},
		own:     map[string]int{},
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With(logx.String("component", "local"))
	b.sup = supervisor.New(context.Background(), supervisor.WithLogger(b.log), supervisor.WithClock(b.clock))
	b.stopCh = make(chan struct{})
	return b
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Enqueue(ctx context.Context, fn *backend.Function, args any, opts backend.EnqueueOptions) (backend.Execution, error) {
	if err := ctx.Err(); err != nil {
		return backend.Execution{}, err
	}
	if fn == nil || fn.Name == "" || fn.Invoke == nil {
		return backend.Execution{}, ErrInvalidFunction
	}
	raw, err := backend.EncodeArgs(args)
	if err != nil {
		return backend.Execution{}, err
	}

	now := b.clock.Now()
	exec := backend.Execution{
		ID:           uuid.NewString(),
		FunctionID:   b.functionID(fn.Name),
		FunctionName: fn.Name,
		Args:         raw,
		State:        backend.StateCreated,
		ScheduleFor:  opts.ScheduleFor,
		DiscardAfter: opts.DiscardAfter,
		Metadata:     backend.CloneMetadata(opts.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if exec.ScheduleFor.IsZero() {
		exec.ScheduleFor = now
	}
	b.store.Set(exec.ID, record{exec: exec, fn: fn})

	b.log.Debug("execution enqueued",
		logx.String("id", exec.ID),
		logx.String("function", fn.Name),
		logx.Time("schedule_for", exec.ScheduleFor),
	)
	b.emit("", exec)
	b.Kick()
	return exec.Clone(), nil
}

func (b *Backend) GetExecution(ctx context.Context, id string) (backend.Execution, error) {
	rec, err := b.store.Get(id)
	if err != nil {
		return backend.Execution{}, b.storeErr(id, err)
	}
	return rec.exec.Clone(), nil
}

func (b *Backend) CancelExecution(ctx context.Context, id string, force bool) (backend.Execution, error) {
	var (
		from  backend.State
		abort context.CancelFunc
	)
	rec, err := b.store.Transaction(ctx, id, func(r record) (record, error) {
		from = r.exec.State
		switch {
		case r.exec.State == backend.StateCreated:
			r.exec.State = backend.StateCancelled
		case force && r.exec.State == backend.StateStarted:
			r.exec.State = backend.StateAborting
			abort = r.cancel
		case force && r.exec.State == backend.StateAborting:
			return r, backend.NewExecutionError(backend.ErrExecutionAbortingAlreadyInProgress, id, r.exec.State)
		default:
			return r, backend.NewExecutionError(backend.ErrExecutionNotCancellable, id, r.exec.State)
		}
		r.exec.UpdatedAt = b.clock.Now()
		return r, nil
	})
	if err != nil {
		return backend.Execution{}, b.storeErr(id, err)
	}
	if abort != nil {
		abort()
	}
	b.log.Debug("execution cancelled", logx.String("id", id), logx.Bool("force", force), logx.String("state", string(rec.exec.State)))
	b.emit(from, rec.exec)
	return rec.exec.Clone(), nil
}

// RescheduleExecution moves a created execution to t. A zero t means now.
func (b *Backend) RescheduleExecution(ctx context.Context, id string, t time.Time) (backend.Execution, error) {
	rec, err := b.store.Transaction(ctx, id, func(r record) (record, error) {
		if r.exec.State != backend.StateCreated {
			return r, backend.NewExecutionError(backend.ErrExecutionNotReschedulable, id, r.exec.State)
		}
		now := b.clock.Now()
		if t.IsZero() {
			t = now
		}
		r.exec.ScheduleFor = t
		r.exec.UpdatedAt = now
		return r, nil
	})
	if err != nil {
		return backend.Execution{}, b.storeErr(id, err)
	}
	b.log.Debug("execution rescheduled", logx.String("id", id), logx.Time("schedule_for", rec.exec.ScheduleFor))
	b.Kick()
	return rec.exec.Clone(), nil
}

// ReRunExecution enqueues a copy of id, whatever its current state.
func (b *Backend) ReRunExecution(ctx context.Context, id string) (backend.Execution, error) {
	src, err := b.store.Get(id)
	if err != nil {
		return backend.Execution{}, b.storeErr(id, err)
	}

	now := b.clock.Now()
	exec := backend.Execution{
		ID:           uuid.NewString(),
		FunctionID:   src.exec.FunctionID,
		FunctionName: src.exec.FunctionName,
		Args:         append([]byte(nil), src.exec.Args...),
		State:        backend.StateCreated,
		ScheduleFor:  now,
		RetryOf:      id,
		Metadata:     backend.CloneMetadata(src.exec.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.store.Set(exec.ID, record{exec: exec, fn: src.fn})

	b.log.Debug("execution re-run", logx.String("id", exec.ID), logx.String("retry_of", id))
	b.emit("", exec)
	b.Kick()
	return exec.Clone(), nil
}

// SetConcurrency changes the limit of name for subsequent dispatches.
// A limit <= 0 means unlimited.
func (b *Backend) SetConcurrency(ctx context.Context, name string, limit int) error {
	b.fnMu.Lock()
	b.limits[name] = limit
	q := b.queues[b.fnIDs[name]]
	b.fnMu.Unlock()
	if q == nil {
		return nil
	}
	return q.SetLimit(ctx, limit)
}

// ResetConcurrency drops the override for name, restoring the limit the
// function declared.
func (b *Backend) ResetConcurrency(ctx context.Context, name string) error {
	b.fnMu.Lock()
	delete(b.limits, name)
	q := b.queues[b.fnIDs[name]]
	limit := b.own[name]
	b.fnMu.Unlock()
	if q == nil {
		return nil
	}
	return q.SetLimit(ctx, limit)
}

// FunctionID returns the id assigned to name, if any execution of it was enqueued.
func (b *Backend) FunctionID(name string) (string, bool) {
	b.fnMu.Lock()
	defer b.fnMu.Unlock()
	id, ok := b.fnIDs[name]
	return id, ok
}

func (b *Backend) functionID(name string) string {
	b.fnMu.Lock()
	defer b.fnMu.Unlock()
	id, ok := b.fnIDs[name]
	if !ok {
		id = uuid.NewString()
		b.fnIDs[name] = id
		b.fnNames[id] = name
	}
	return id
}

func (b *Backend) queue(fn *backend.Function, fnID string) *gatedqueue.Queue[string] {
	b.fnMu.Lock()
	defer b.fnMu.Unlock()
	q := b.queues[fnID]
	if q == nil {
		limit := fn.Concurrency
		b.own[fn.Name] = fn.Concurrency
		if v, ok := b.limits[fn.Name]; ok {
			limit = v
		}
		q = gatedqueue.New[string](fnID, limit, b.counter, b.run, gatedqueue.WithSpawn[string](b.spawn))
		b.queues[fnID] = q
	}
	return q
}

func (b *Backend) spawn(name string, fn func(ctx context.Context)) {
	b.runMu.Lock()
	sup := b.sup
	b.runMu.Unlock()
	sup.Go0(name, fn)
}

func (b *Backend) storeErr(id string, err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return backend.NewExecutionError(backend.ErrExecutionNotFound, id, "")
	}
	return err
}

func (b *Backend) emit(from backend.State, exec backend.Execution) {
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type: eventbus.ExecutionTopic(string(exec.State)),
			Time: exec.UpdatedAt,
			Data: exec.Clone(),
		})
	}
	if b.observer != nil {
		b.observer.ObserveTransition(from, exec.Clone())
	}
}

// FunctionSnapshot describes one function's dispatch queue.
type FunctionSnapshot struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Limit    int    `json:"limit"`
	Queued   int    `json:"queued"`
	InFlight int    `json:"in_flight"`
}

type Snapshot struct {
	Running    bool                  `json:"running"`
	Executions int                   `json:"executions"`
	States     map[backend.State]int `json:"states"`
	Functions  []FunctionSnapshot    `json:"functions"`
	Supervisor supervisor.Snapshot   `json:"supervisor"`
}

// Snapshot is a best-effort view for debug output.
func (b *Backend) Snapshot() Snapshot {
	snap := Snapshot{States: map[backend.State]int{}, Executions: b.store.Len()}
	for _, id := range b.store.Keys() {
		if rec, err := b.store.Get(id); err == nil {
			snap.States[rec.exec.State]++
		}
	}

	inFlight := b.counter.Snapshot()
	b.fnMu.Lock()
	for _, q := range b.queues {
		snap.Functions = append(snap.Functions, FunctionSnapshot{
			Name:     b.fnNames[q.Key()],
			ID:       q.Key(),
			Limit:    q.Limit(),
			Queued:   q.Len(),
			InFlight: inFlight[q.Key()],
		})
	}
	b.fnMu.Unlock()
	sortFunctions(snap.Functions)

	b.runMu.Lock()
	snap.Running = b.running
	sup := b.sup
	b.runMu.Unlock()
	snap.Supervisor = sup.Snapshot()
	return snap
}

// QueueDepth counts executions waiting in dispatch queues for a free
// concurrency slot.
func (b *Backend) QueueDepth(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.fnMu.Lock()
	defer b.fnMu.Unlock()
	var n int64
	for _, q := range b.queues {
		n += int64(q.Len())
	}
	return n, nil
}
