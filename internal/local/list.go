package local

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"deferq/pkg/backend"
)

func (b *Backend) ListExecutions(ctx context.Context, page *backend.PageRequest, filters *backend.ExecutionFilters) (backend.PageResult, error) {
	return b.list(page, filters, nil)
}

// ListExecutionAttempts lists id and every execution re-run from it. An
// unknown id yields an empty page.
func (b *Backend) ListExecutionAttempts(ctx context.Context, id string, page *backend.PageRequest, filters *backend.ExecutionFilters) (backend.PageResult, error) {
	return b.list(page, filters, func(e *backend.Execution) bool {
		return e.ID == id || e.RetryOf == id
	})
}

func (b *Backend) list(page *backend.PageRequest, filters *backend.ExecutionFilters, scope func(*backend.Execution) bool) (backend.PageResult, error) {
	if page != nil && (page.First < 0 || page.Last < 0) {
		return backend.PageResult{}, backend.ErrInvalidPage
	}
	if filters != nil && filters.ExecutedBy != "" {
		return backend.PageResult{}, errors.Wrap(backend.ErrUnsupportedFilter, "executed_by")
	}

	var matched []backend.Execution
	for _, id := range b.store.Keys() {
		rec, err := b.store.Get(id)
		if err != nil {
			continue
		}
		if scope != nil && !scope(&rec.exec) {
			continue
		}
		if !matchFilters(filters, &rec.exec) {
			continue
		}
		matched = append(matched, rec.exec.Clone())
	}
	slices.Reverse(matched)
	return paginate(page, matched), nil
}

// paginate slices a newest-first list. Cursors that match nothing are ignored.
func paginate(page *backend.PageRequest, edges []backend.Execution) backend.PageResult {
	var info backend.PageInfo
	if page == nil {
		page = &backend.PageRequest{}
	}

	indexOf := func(id string) int {
		return slices.IndexFunc(edges, func(e backend.Execution) bool { return e.ID == id })
	}
	switch {
	case page.Before != "":
		if i := indexOf(page.Before); i >= 0 {
			edges = edges[:i]
			info.HasNextPage = true
		}
	case page.After != "":
		if i := indexOf(page.After); i >= 0 {
			edges = edges[i+1:]
			info.HasPrevPage = true
		}
	}

	switch {
	case page.Last > 0:
		if len(edges) > page.Last {
			edges = edges[len(edges)-page.Last:]
			info.HasPrevPage = true
		}
	case page.First > 0:
		if len(edges) > page.First {
			edges = edges[:page.First]
			info.HasNextPage = true
		}
	}

	if len(edges) > 0 {
		info.StartCursor = edges[0].ID
		info.EndCursor = edges[len(edges)-1].ID
	}
	if edges == nil {
		edges = []backend.Execution{}
	}
	return backend.PageResult{Data: edges, PageInfo: info}
}

func matchFilters(f *backend.ExecutionFilters, e *backend.Execution) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 && !slices.Contains(f.States, e.State) {
		return false
	}
	if len(f.FunctionIDs) > 0 && !slices.Contains(f.FunctionIDs, e.FunctionID) {
		return false
	}
	if len(f.ErrorCodes) > 0 && !slices.Contains(f.ErrorCodes, e.ErrorCode) {
		return false
	}
	for _, m := range f.Metadata {
		if len(m.Values) == 0 {
			continue
		}
		v, ok := e.Metadata[m.Key]
		if !ok || !slices.Contains(m.Values, v) {
			return false
		}
	}
	if f.ScheduledAt != nil && !f.ScheduledAt.Contains(e.ScheduleFor) {
		return false
	}
	if f.StartedAt != nil && (e.StartedAt.IsZero() || !f.StartedAt.Contains(e.StartedAt)) {
		return false
	}
	return true
}
