package deferq

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"deferq/pkg/backend"
)

var (
	ErrExecutionFailed = errors.New("execution failed")
	// ErrExecutionNotCompleted is returned when an awaited execution ends
	// cancelled, aborted or discarded.
	ErrExecutionNotCompleted = errors.New("execution did not complete")
)

// FailedError is returned by Await when the function body failed.
type FailedError struct {
	Execution backend.Execution
	Payload   backend.ErrorPayload
}

func (e *FailedError) Error() string {
	if e.Payload.Message == "" {
		return ErrExecutionFailed.Error()
	}
	return e.Payload.Message
}

func (e *FailedError) Unwrap() error { return ErrExecutionFailed }

// AwaitResult polls id until it reaches a terminal state.
func (c *Client) AwaitResult(ctx context.Context, id string) (backend.Execution, error) {
	for attempt := 0; ; attempt++ {
		exec, err := c.GetExecution(ctx, id)
		if err != nil {
			return backend.Execution{}, err
		}
		if exec.State.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-c.clock.After(c.backoff(attempt)):
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	ceil := c.pollMax
	if attempt < 32 {
		if d := c.pollBase << attempt; d > 0 && d < ceil {
			ceil = d
		}
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

// outcome converts a terminal execution into the error Await reports.
func outcome(exec backend.Execution) error {
	switch exec.State {
	case backend.StateSucceed:
		return nil
	case backend.StateFailed:
		fe := &FailedError{Execution: exec}
		if len(exec.Result) > 0 && json.Unmarshal(exec.Result, &fe.Payload) != nil {
			fe.Payload = backend.ErrorPayload{Message: string(exec.Result)}
		}
		return fe
	default:
		return backend.NewExecutionError(ErrExecutionNotCompleted, exec.ID, exec.State)
	}
}
