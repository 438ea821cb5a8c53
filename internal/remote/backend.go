package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"deferq/pkg/backend"
)

type apiExecution struct {
	ID           string          `json:"id"`
	State        backend.State   `json:"state"`
	FunctionName string          `json:"function_name"`
	FunctionID   string          `json:"function_id"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	RetryOf      string          `json:"retry_of,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (a apiExecution) execution() backend.Execution {
	return backend.Execution{
		ID:           a.ID,
		State:        a.State,
		FunctionName: a.FunctionName,
		FunctionID:   a.FunctionID,
		Result:       a.Result,
		ErrorCode:    a.ErrorCode,
		RetryOf:      a.RetryOf,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

type singleResponse struct {
	Data apiExecution `json:"data"`
}

type listResponse struct {
	PageInfo backend.PageInfo `json:"page_info"`
	Data     []apiExecution   `json:"data"`
}

type createRequest struct {
	FunctionName      string            `json:"function_name"`
	FunctionArguments json.RawMessage   `json:"function_arguments"`
	ScheduleFor       time.Time         `json:"schedule_for"`
	DiscardAfter      *time.Time        `json:"discard_after,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type listRequest struct {
	Page    *backend.PageRequest      `json:"page,omitempty"`
	Filters *backend.ExecutionFilters `json:"filters,omitempty"`
}

var _ backend.Backend = (*Client)(nil)

func (c *Client) Enqueue(ctx context.Context, fn *backend.Function, args any, opts backend.EnqueueOptions) (backend.Execution, error) {
	if fn == nil || fn.Name == "" {
		return backend.Execution{}, ErrClient
	}
	raw, err := backend.EncodeArgs(args)
	if err != nil {
		return backend.Execution{}, err
	}
	req := createRequest{
		FunctionName:      fn.Name,
		FunctionArguments: raw,
		ScheduleFor:       opts.ScheduleFor,
		Metadata:          opts.Metadata,
	}
	if req.ScheduleFor.IsZero() {
		req.ScheduleFor = time.Now()
	}
	req.ScheduleFor = req.ScheduleFor.UTC()
	if !opts.DiscardAfter.IsZero() {
		d := opts.DiscardAfter.UTC()
		req.DiscardAfter = &d
	}
	return c.single(ctx, http.MethodPut, "/public/v2/executions", "", req, nil)
}

func (c *Client) GetExecution(ctx context.Context, id string) (backend.Execution, error) {
	return c.single(ctx, http.MethodGet, executionPath(id), id, nil, nil)
}

func (c *Client) CancelExecution(ctx context.Context, id string, force bool) (backend.Execution, error) {
	body := struct {
		Force bool `json:"force"`
	}{force}
	return c.single(ctx, http.MethodPost, executionPath(id)+"/cancellation", id, body, map[int]error{
		http.StatusAccepted: backend.ErrExecutionAbortingAlreadyInProgress,
		http.StatusConflict: backend.ErrExecutionNotCancellable,
	})
}

func (c *Client) RescheduleExecution(ctx context.Context, id string, t time.Time) (backend.Execution, error) {
	if t.IsZero() {
		t = time.Now()
	}
	body := struct {
		ScheduleFor time.Time `json:"schedule_for"`
	}{t.UTC()}
	return c.single(ctx, http.MethodPatch, executionPath(id)+"/schedule", id, body, map[int]error{
		http.StatusConflict: backend.ErrExecutionNotReschedulable,
	})
}

func (c *Client) ReRunExecution(ctx context.Context, id string) (backend.Execution, error) {
	return c.single(ctx, http.MethodPost, executionPath(id)+"/reruns", id, struct{}{}, nil)
}

func (c *Client) ListExecutions(ctx context.Context, page *backend.PageRequest, filters *backend.ExecutionFilters) (backend.PageResult, error) {
	return c.list(ctx, "/public/v2/executions", page, filters)
}

func (c *Client) ListExecutionAttempts(ctx context.Context, id string, page *backend.PageRequest, filters *backend.ExecutionFilters) (backend.PageResult, error) {
	return c.list(ctx, executionPath(id)+"/attempts", page, filters)
}

func executionPath(id string) string {
	return "/public/v2/executions/" + url.PathEscape(id)
}

// single performs a call answering with one execution. 404 always maps to
// ErrExecutionNotFound; extra maps other statuses to sentinels.
func (c *Client) single(ctx context.Context, method, path, id string, body any, extra map[int]error) (backend.Execution, error) {
	var out singleResponse
	status, msg, err := c.do(ctx, method, path, body, &out)
	if err != nil {
		return backend.Execution{}, err
	}
	switch {
	case status == http.StatusOK:
		return out.Data.execution(), nil
	case status == http.StatusNotFound && id != "":
		return backend.Execution{}, backend.NewExecutionError(backend.ErrExecutionNotFound, id, "")
	case extra[status] != nil:
		return backend.Execution{}, backend.NewExecutionError(extra[status], id, "")
	default:
		return backend.Execution{}, &APIError{Status: status, Message: msg}
	}
}

func (c *Client) list(ctx context.Context, path string, page *backend.PageRequest, filters *backend.ExecutionFilters) (backend.PageResult, error) {
	if page != nil && (page.First < 0 || page.Last < 0) {
		return backend.PageResult{}, backend.ErrInvalidPage
	}
	var out listResponse
	status, msg, err := c.do(ctx, http.MethodPost, path, listRequest{Page: page, Filters: filters}, &out)
	if err != nil {
		return backend.PageResult{}, err
	}
	if status != http.StatusOK {
		return backend.PageResult{}, &APIError{Status: status, Message: msg}
	}
	res := backend.PageResult{PageInfo: out.PageInfo, Data: make([]backend.Execution, 0, len(out.Data))}
	for _, a := range out.Data {
		res.Data = append(res.Data, a.execution())
	}
	return res, nil
}
