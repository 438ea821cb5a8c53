// Package backend defines the execution model shared by the local scheduler
// and the remote HTTP client, plus the Backend contract both implement.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

type State string

const (
	StateCreated   State = "created"
	StateStarted   State = "started"
	StateSucceed   State = "succeed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateAborting  State = "aborting"
	StateAborted   State = "aborted"
	StateDiscarded State = "discarded"
)

var AllStates = []State{
	StateCreated, StateStarted, StateSucceed, StateFailed,
	StateCancelled, StateAborting, StateAborted, StateDiscarded,
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceed, StateFailed, StateCancelled, StateAborted, StateDiscarded:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// ErrorCodeFailed marks executions whose function returned an error.
const ErrorCodeFailed = "ER0003"

type Execution struct {
	ID           string            `json:"id"`
	FunctionID   string            `json:"function_id"`
	FunctionName string            `json:"function_name"`
	Args         json.RawMessage   `json:"args,omitempty"`
	State        State             `json:"state"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ScheduleFor  time.Time         `json:"schedule_for"`
	DiscardAfter time.Time         `json:"discard_after,omitzero"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	RetryOf      string            `json:"retry_of,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with e.
func (e Execution) Clone() Execution {
	out := e
	out.Args = cloneRaw(e.Args)
	out.Result = cloneRaw(e.Result)
	out.Metadata = CloneMetadata(e.Metadata)
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func CloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InvokeFunc is the body of a deferred function. args holds the encoded
// arguments; the returned value is stored as the execution result. ctx is
// cancelled when the execution is force-cancelled or the backend stops.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Function describes a deferrable function.
//
// Retry and MaxDuration are forwarded as configuration only; no backend in
// this module retries or times out an execution on its own.
type Function struct {
	Name        string
	Concurrency int // <= 0 means unlimited
	Retry       int
	MaxDuration time.Duration
	Cron        string
	Invoke      InvokeFunc
}

type EnqueueOptions struct {
	ScheduleFor  time.Time // zero means now
	DiscardAfter time.Time // zero means never
	Metadata     map[string]string
}

type Backend interface {
	Enqueue(ctx context.Context, fn *Function, args any, opts EnqueueOptions) (Execution, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	CancelExecution(ctx context.Context, id string, force bool) (Execution, error)
	RescheduleExecution(ctx context.Context, id string, scheduleFor time.Time) (Execution, error)
	ReRunExecution(ctx context.Context, id string) (Execution, error)
	ListExecutions(ctx context.Context, page *PageRequest, filters *ExecutionFilters) (PageResult, error)
	ListExecutionAttempts(ctx context.Context, id string, page *PageRequest, filters *ExecutionFilters) (PageResult, error)
}
