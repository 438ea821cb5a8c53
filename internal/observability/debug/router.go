package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deferq/pkg/backend"
)

// Executions is the read side of a backend.
type Executions interface {
	GetExecution(ctx context.Context, id string) (backend.Execution, error)
	ListExecutions(ctx context.Context, page *backend.PageRequest, filters *backend.ExecutionFilters) (backend.PageResult, error)
}

// Deps are the handlers and sources served by the debug router. Nil fields
// leave the matching routes unmounted.
type Deps struct {
	Metrics    http.Handler
	Executions Executions
	Snapshot   func() any
}

// NewRouter builds the debug routes:
//
//	GET /healthz
//	GET /metrics
//	GET /executions?state=&function_id=&first=&after=&last=&before=
//	GET /executions/{id}
//	GET /snapshot
//	    /debug/pprof/* (when cfg.Pprof)
func NewRouter(cfg Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Mount("/metrics", deps.Metrics)
	}
	if deps.Executions != nil {
		h := &executionsHandler{src: deps.Executions}
		r.Get("/executions", h.list)
		r.Get("/executions/{id}", h.get)
	}
	if deps.Snapshot != nil {
		r.Get("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Snapshot())
		})
	}
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// bearerAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

type executionsHandler struct {
	src Executions
}

func (h *executionsHandler) get(w http.ResponseWriter, r *http.Request) {
	exec, err := h.src.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *executionsHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := &backend.PageRequest{After: q.Get("after"), Before: q.Get("before")}
	var err error
	if page.First, err = intParam(q.Get("first")); err != nil {
		http.Error(w, "invalid first", http.StatusBadRequest)
		return
	}
	if page.Last, err = intParam(q.Get("last")); err != nil {
		http.Error(w, "invalid last", http.StatusBadRequest)
		return
	}

	filters := &backend.ExecutionFilters{FunctionIDs: q["function_id"], ErrorCodes: q["error_code"]}
	for _, s := range q["state"] {
		st := backend.State(s)
		if !st.Valid() {
			http.Error(w, "invalid state "+strconv.Quote(s), http.StatusBadRequest)
			return
		}
		filters.States = append(filters.States, st)
	}

	res, err := h.src.ListExecutions(r.Context(), page, filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrExecutionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
	case errors.Is(err, backend.ErrInvalidPage), errors.Is(err, backend.ErrUnsupportedFilter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
