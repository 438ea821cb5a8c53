package deferq

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"deferq/internal/cronx"
	"deferq/pkg/backend"
)

// MaxRetry is the largest retry count the hosted service accepts.
const MaxRetry = 12

type FuncOption func(*backend.Function)

// Concurrency caps parallel executions of the function. n <= 0 means unlimited.
func Concurrency(n int) FuncOption { return func(f *backend.Function) { f.Concurrency = n } }

// Retry records the retry policy; values are clamped to [0, MaxRetry].
func Retry(n int) FuncOption {
	return func(f *backend.Function) { f.Retry = min(max(n, 0), MaxRetry) }
}

func MaxDuration(d time.Duration) FuncOption { return func(f *backend.Function) { f.MaxDuration = d } }

type ExecOption func(now time.Time, o *backend.EnqueueOptions)

func Delay(d time.Duration) ExecOption {
	return func(now time.Time, o *backend.EnqueueOptions) { o.ScheduleFor = now.Add(d) }
}

func At(t time.Time) ExecOption {
	return func(_ time.Time, o *backend.EnqueueOptions) { o.ScheduleFor = t }
}

// DiscardAfter drops the execution if it has not started d after enqueue.
func DiscardAfter(d time.Duration) ExecOption {
	return func(now time.Time, o *backend.EnqueueOptions) { o.DiscardAfter = now.Add(d) }
}

func Metadata(key, value string) ExecOption {
	return func(_ time.Time, o *backend.EnqueueOptions) {
		if o.Metadata == nil {
			o.Metadata = map[string]string{}
		}
		o.Metadata[key] = value
	}
}

// Func is a deferred function taking A and returning R.
type Func[A, R any] struct {
	client *Client
	fn     *backend.Function
}

// Defer wraps body so it can be enqueued on c. Arguments and results travel
// as JSON.
func Defer[A, R any](c *Client, name string, body func(ctx context.Context, args A) (R, error), opts ...FuncOption) *Func[A, R] {
	fn := &backend.Function{
		Name: strings.TrimSpace(name),
		Invoke: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args A
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, errors.Wrap(err, "decode arguments")
				}
			}
			out, err := body(ctx, args)
			if err != nil {
				return nil, err
			}
			return backend.EncodeResult(out)
		},
	}
	for _, o := range opts {
		o(fn)
	}
	return &Func[A, R]{client: c, fn: fn}
}

func (f *Func[A, R]) Name() string { return f.fn.Name }

// Function exposes the descriptor handed to the backend.
func (f *Func[A, R]) Function() *backend.Function { return f.fn }

func (f *Func[A, R]) Enqueue(ctx context.Context, args A, opts ...ExecOption) (backend.Execution, error) {
	var eo backend.EnqueueOptions
	now := f.client.clock.Now()
	for _, o := range opts {
		o(now, &eo)
	}
	return f.client.Enqueue(ctx, f.fn, args, eo)
}

// Await enqueues args, waits for the execution to finish and decodes its
// result. A failed body surfaces as *FailedError.
func (f *Func[A, R]) Await(ctx context.Context, args A, opts ...ExecOption) (R, error) {
	var zero R
	exec, err := f.Enqueue(ctx, args, opts...)
	if err != nil {
		return zero, err
	}
	exec, err = f.client.AwaitResult(ctx, exec.ID)
	if err != nil {
		return zero, err
	}
	if err := outcome(exec); err != nil {
		return zero, err
	}
	var out R
	if len(exec.Result) > 0 {
		if err := json.Unmarshal(exec.Result, &out); err != nil {
			return zero, errors.Wrapf(err, "decode result of %s", exec.ID)
		}
	}
	return out, nil
}

// Schedule registers body to run on a cron spec (or a Go duration such as
// "15m"). Locally the cron triggers enqueue it; in remote mode the spec is
// only recorded for the hosted scheduler.
func Schedule(c *Client, name, spec string, body func(ctx context.Context) error, opts ...FuncOption) (*backend.Function, error) {
	cron, err := cronx.Normalize(spec)
	if err != nil {
		return nil, err
	}
	fn := &backend.Function{
		Name: strings.TrimSpace(name),
		Cron: cron,
		Invoke: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, body(ctx)
		},
	}
	for _, o := range opts {
		o(fn)
	}
	if fn.Name == "" {
		return nil, errors.New("schedule: function name is required")
	}
	if c.cron != nil {
		if err := c.cron.Add(fn); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.schedules[fn.Name] = cron
	c.mu.Unlock()
	return fn, nil
}
