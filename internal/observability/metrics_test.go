package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddCycleRejection()
	metrics.AddConflictsDetected(2)
	metrics.AddCacheHit("l1")
	metrics.AddCacheMiss()
	metrics.ObserveResolution(3*time.Millisecond, nil)
	metrics.AddJobRun("rbac:cache_warmup", nil)
	metrics.AddJobRun("rbac:conflict_scan", errors.New("boom"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"meridian_cycle_rejections_total 1",
		"meridian_conflicts_detected_total 2",
		`meridian_permission_cache_hits_total{level="l1"} 1`,
		"meridian_permission_cache_misses_total 1",
		`meridian_job_runs_total{outcome="ok",task="rbac:cache_warmup"} 1`,
		`meridian_job_runs_total{outcome="error",task="rbac:conflict_scan"} 1`,
		"meridian_permission_resolution_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q, got: %s", want, body)
		}
	}
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	metrics := NewMetrics()

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/roles/{roleID}/effective", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/roles/7/effective", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `meridian_http_requests_total{code="200",route="/roles/{roleID}/effective"} 1`) {
		t.Fatalf("expected request counter for route pattern, got: %s", body)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddCycleRejection()
	m.AddConflictsDetected(1)
	m.AddCacheHit("l2")
	m.AddCacheMiss()
	m.ObserveResolution(time.Millisecond, nil)
	m.AddJobRun("rbac:assignment_sweep", nil)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}
