package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service: HTTP traffic plus the
// permission-engine counters (resolutions, cache traffic, cycle rejections,
// detected conflicts, job runs).
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	resolutionDuration *prometheus.HistogramVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        prometheus.Counter
	cycleRejections    prometheus.Counter
	conflictsDetected  prometheus.Counter
	jobRuns            *prometheus.CounterVec
}

// NewMetrics initialises the registry and all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	resolution := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_permission_resolution_seconds",
		Help:    "Effective-permission resolution duration.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"outcome"})
	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_permission_cache_hits_total",
		Help: "Permission cache hits by level.",
	}, []string{"level"})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_permission_cache_misses_total",
		Help: "Permission cache misses.",
	})
	cycles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_cycle_rejections_total",
		Help: "Writes rejected because they would close an inheritance or dependency cycle.",
	})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_conflicts_detected_total",
		Help: "Inheritance conflicts surfaced by resolution or scanning.",
	})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_job_runs_total",
		Help: "Background job executions by task and outcome.",
	}, []string{"task", "outcome"})
	registry.MustRegister(requests, duration, resolution, cacheHits, cacheMisses, cycles, conflicts, jobRuns)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		resolutionDuration: resolution,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		cycleRejections:    cycles,
		conflictsDetected:  conflicts,
		jobRuns:            jobRuns,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveResolution records one effective-permission computation.
func (m *Metrics) ObserveResolution(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.resolutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AddCycleRejection counts a rejected cycle-closing write.
func (m *Metrics) AddCycleRejection() {
	if m == nil {
		return
	}
	m.cycleRejections.Inc()
}

// AddConflictsDetected counts surfaced inheritance conflicts.
func (m *Metrics) AddConflictsDetected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflictsDetected.Add(float64(n))
}

// AddCacheHit counts a permission cache hit at the given level.
func (m *Metrics) AddCacheHit(level string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(level).Inc()
}

// AddCacheMiss counts a permission cache miss.
func (m *Metrics) AddCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// AddJobRun counts one background job execution.
func (m *Metrics) AddJobRun(task string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(task, outcome).Inc()
}

// Registerer exposes the registry for custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
