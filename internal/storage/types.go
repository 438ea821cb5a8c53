package storage

import (
	"errors"
	"time"

	"deferq/pkg/backend"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines appended to Path
//   - "sqlite": SQLite database file (modernc, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops sqlite rows older than this. 0 keeps everything.
	Retention time.Duration
}

// Entry records one execution transition.
type Entry struct {
	At           time.Time `json:"at"`
	Event        string    `json:"event"`
	ExecutionID  string    `json:"execution_id"`
	FunctionID   string    `json:"function_id"`
	FunctionName string    `json:"function_name"`
	State        string    `json:"state"`
	ErrorCode    string    `json:"error_code,omitempty"`
	RetryOf      string    `json:"retry_of,omitempty"`
	ScheduleFor  time.Time `json:"schedule_for,omitzero"`
}

// EntryFor describes exec after a transition published as event.
func EntryFor(event string, at time.Time, exec backend.Execution) Entry {
	if at.IsZero() {
		at = exec.UpdatedAt
	}
	return Entry{
		At:           at.UTC(),
		Event:        event,
		ExecutionID:  exec.ID,
		FunctionID:   exec.FunctionID,
		FunctionName: exec.FunctionName,
		State:        string(exec.State),
		ErrorCode:    exec.ErrorCode,
		RetryOf:      exec.RetryOf,
		ScheduleFor:  exec.ScheduleFor.UTC(),
	}
}
