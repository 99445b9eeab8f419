package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/tasks/mine", 200, time.Millisecond, 0, 100)
	m.RecordTaskStarted("linear")
	m.RecordClaim("linear", "won")
	m.RecordTransition("graph", "submit", "ok", time.Millisecond)
	m.SetOverdueTasks(3)
	m.RecordNotification("task_assigned", "sent")
	m.RecordIdempotentReplay()
	m.RecordConfigCacheHit()
	m.RecordConfigCacheMiss()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.RecordConfigActivation("acquisition")
	m.RecordDefinitionSeed("created")
	m.SetDefinitionsLoaded(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"curator_http_requests_total",
		"curator_http_request_duration_seconds",
		"curator_http_request_size_bytes",
		"curator_http_response_size_bytes",
		"curator_tasks_started_total",
		"curator_claims_total",
		"curator_transitions_total",
		"curator_transition_duration_seconds",
		"curator_overdue_tasks",
		"curator_notifications_total",
		"curator_idempotent_replays_total",
		"curator_config_cache_hits_total",
		"curator_config_cache_misses_total",
		"curator_capability_cache_hits_total",
		"curator_capability_cache_misses_total",
		"curator_config_activations_total",
		"curator_definition_seed_total",
		"curator_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordClaim("linear", "won")
	m.RecordTransition("graph", "submit", "ok", time.Millisecond)
	m.RecordConfigCacheHit()
	m.SetOverdueTasks(1)
}

func TestRecordClaim(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordClaim("linear", "won")
	m.RecordClaim("linear", "lost")
	m.RecordClaim("linear", "lost")

	if got := testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("linear", "won")); got != 1 {
		t.Errorf("won = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("linear", "lost")); got != 2 {
		t.Errorf("lost = %v, want 2", got)
	}
}

func TestRecordTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("graph", "approve", "ok", 10*time.Millisecond)
	m.RecordTransition("graph", "approve", "INVALID_TRANSITION", time.Millisecond)

	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("graph", "approve", "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if testutil.CollectAndCount(m.TransitionDuration) == 0 {
		t.Error("expected transition duration observations")
	}
}

func TestRecordConfigCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordConfigCacheHit()
	m.RecordConfigCacheHit()
	m.RecordConfigCacheMiss()

	if hits := testutil.ToFloat64(m.ConfigCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.ConfigCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetOverdueTasks(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetOverdueTasks(5)
	m.SetOverdueTasks(2)
	if got := testutil.ToFloat64(m.OverdueTasks); got != 2 {
		t.Errorf("overdue = %v, want 2", got)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/tasks/{taskId}/claim", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/42/claim", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/tasks/{taskId}/claim", "409"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
	if testutil.CollectAndCount(m.HTTPResponseSizeBytes) == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestHandlerFor_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordTaskStarted("graph")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "curator_tasks_started_total") {
		t.Error("metrics response should contain curator_tasks_started_total")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":  httpDurationBuckets,
		"store": storeDurationBuckets,
		"body":  bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
