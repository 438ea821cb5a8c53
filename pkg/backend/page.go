package backend

import "time"

// PageRequest selects a window of a newest-first listing. Cursors are
// execution ids.
type PageRequest struct {
	First  int    `json:"first,omitempty"`
	After  string `json:"after,omitempty"`
	Last   int    `json:"last,omitempty"`
	Before string `json:"before,omitempty"`
}

type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	HasPrevPage bool   `json:"has_prev_page"`
	StartCursor string `json:"start_cursor"`
	EndCursor   string `json:"end_cursor"`
}

type PageResult struct {
	Data     []Execution `json:"data"`
	PageInfo PageInfo    `json:"page_info"`
}

// DateInterval is inclusive on both ends; a zero bound is open.
type DateInterval struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

func (d DateInterval) Contains(t time.Time) bool {
	if !d.From.IsZero() && t.Before(d.From) {
		return false
	}
	if !d.To.IsZero() && t.After(d.To) {
		return false
	}
	return true
}

// MetadataFilter matches when the execution's value for Key is one of Values.
type MetadataFilter struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

type ExecutionFilters struct {
	States      []State          `json:"states,omitempty"`
	FunctionIDs []string         `json:"function_ids,omitempty"`
	ErrorCodes  []string         `json:"error_codes,omitempty"`
	ScheduledAt *DateInterval    `json:"scheduled_at,omitempty"`
	StartedAt   *DateInterval    `json:"started_at,omitempty"`
	// ExecutedBy selects executions run by a given hosted worker. Only the
	// remote backend supports it; the local backend rejects it with
	// ErrUnsupportedFilter.
	ExecutedBy  string           `json:"executed_by,omitempty"`
	Metadata    []MetadataFilter `json:"metadata,omitempty"`
}
