package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"deferq/pkg/backend"
)

// QueueSource reports how many executions wait for a concurrency slot.
type QueueSource interface {
	QueueDepth(ctx context.Context) (int64, error)
}

// Opts holds the configuration options for the metrics API
type Opts struct {
	AuthMiddleware func(http.Handler) http.Handler
	// Queue is optional; without it deferq_queue_depth is not exported.
	Queue QueueSource
}

// MetricsAPI counts execution transitions and serves them in the Prometheus
// text format. It implements the local backend's transition observer.
type MetricsAPI struct {
	opts       Opts
	Router     chi.Router
	registry   *prometheus.Registry
	executions *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
	queueGauge prometheus.Gauge

	// Transitions arrive from many goroutines; the gauge pair must move together.
	mu sync.Mutex
}

func NewMetricsAPI(opts Opts) (*MetricsAPI, error) {
	registry := prometheus.NewRegistry()

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deferq_executions_total",
		Help: "Execution transitions by function and resulting state",
	}, []string{"function", "state"})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deferq_executions_in_flight",
		Help: "Executions currently started or aborting",
	}, []string{"function"})
	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deferq_queue_depth",
		Help: "Due executions waiting for a concurrency slot",
	})

	for _, c := range []prometheus.Collector{executions, inFlight} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	if opts.Queue != nil {
		if err := registry.Register(queueGauge); err != nil {
			return nil, err
		}
	}

	api := &MetricsAPI{
		opts:       opts,
		Router:     chi.NewRouter(),
		registry:   registry,
		executions: executions,
		inFlight:   inFlight,
		queueGauge: queueGauge,
	}
	api.setupRoutes()
	return api, nil
}

// Registry is exposed so other components can register their collectors.
func (api *MetricsAPI) Registry() *prometheus.Registry { return api.registry }

// ObserveTransition records exec having moved out of from.
func (api *MetricsAPI) ObserveTransition(from backend.State, exec backend.Execution) {
	fn := exec.FunctionName
	api.mu.Lock()
	defer api.mu.Unlock()
	api.executions.WithLabelValues(fn, string(exec.State)).Inc()
	running := func(s backend.State) bool { return s == backend.StateStarted || s == backend.StateAborting }
	switch {
	case !running(from) && running(exec.State):
		api.inFlight.WithLabelValues(fn).Inc()
	case running(from) && !running(exec.State):
		api.inFlight.WithLabelValues(fn).Dec()
	}
}

func (api *MetricsAPI) setupRoutes() {
	handler := http.HandlerFunc(api.handleMetrics)

	if api.opts.AuthMiddleware != nil {
		handler = api.opts.AuthMiddleware(handler).ServeHTTP
	}

	api.Router.Get("/", handler)
}

func (api *MetricsAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if api.opts.Queue != nil {
		depth, err := api.opts.Queue.QueueDepth(r.Context())
		if err != nil {
			http.Error(w, "Failed to get queue depth", http.StatusInternalServerError)
			return
		}
		api.queueGauge.Set(float64(depth))
	}

	metricFamilies, err := api.registry.Gather()
	if err != nil {
		http.Error(w, "Failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.FmtText))
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			http.Error(w, "Failed to encode metrics", http.StatusInternalServerError)
			return
		}
	}
}
