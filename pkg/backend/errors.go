package backend

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"

	"github.com/cockroachdb/errors"
)

var (
	ErrExecutionNotFound                  = errors.New("execution not found")
	ErrExecutionNotCancellable            = errors.New("execution not cancellable")
	ErrExecutionAbortingAlreadyInProgress = errors.New("execution aborting already in progress")
	ErrExecutionNotReschedulable          = errors.New("execution not reschedulable")
	ErrArgumentSerialization              = errors.New("cannot serialize arguments")
	ErrInvalidPage                        = errors.New("invalid page request")
	ErrUnsupportedFilter                  = errors.New("unsupported filter")
)

// ExecutionError carries the id and state involved in a rejected operation.
// It unwraps to one of the sentinel errors above.
type ExecutionError struct {
	Err   error
	ID    string
	State State
}

func (e *ExecutionError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%v: %s (state %s)", e.Err, e.ID, e.State)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.ID)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func NewExecutionError(sentinel error, id string, state State) error {
	return &ExecutionError{Err: sentinel, ID: id, State: state}
}

// ErrorPayload is the stored result of a failed execution.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (p ErrorPayload) Error() string {
	if p.Name == "" {
		return p.Message
	}
	return p.Name + ": " + p.Message
}

// NewErrorPayload describes err for storage. The stack is only filled in when
// err carries one (errors created with cockroachdb/errors do).
func NewErrorPayload(err error) ErrorPayload {
	if err == nil {
		return ErrorPayload{}
	}
	p := ErrorPayload{
		Name:    errorName(err),
		Message: err.Error(),
	}
	if cause := errors.UnwrapOnce(err); cause != nil && cause.Error() != p.Message {
		p.Cause = cause.Error()
	}
	if errors.GetReportableStackTrace(err) != nil {
		p.Stack = fmt.Sprintf("%+v", err)
	}
	return p
}

// PanicPayload describes a recovered panic.
func PanicPayload(r any, stack []byte) ErrorPayload {
	msg := fmt.Sprint(r)
	if err, ok := r.(error); ok {
		msg = err.Error()
	}
	return ErrorPayload{Name: "panic", Message: msg, Stack: string(stack)}
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || !unicode.IsUpper([]rune(name)[0]) {
		return "Error"
	}
	return name
}

// EncodeArgs round-trips args through JSON so the stored value shares nothing
// with the caller. Values JSON cannot represent (channels, funcs, NaN, cycles)
// fail with ErrArgumentSerialization.
func EncodeArgs(args any) (b json.RawMessage, err error) {
	if args == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.Wrap(ErrArgumentSerialization, "invalid raw json")
		}
		return append(json.RawMessage(nil), raw...), nil
	}
	out, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(ErrArgumentSerialization, "%v", err)
	}
	return out, nil
}

// EncodeResult encodes a function return value; nil becomes JSON null.
func EncodeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}
