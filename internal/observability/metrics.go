package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Task metrics
	TasksStartedTotal      *prometheus.CounterVec
	ClaimsTotal            *prometheus.CounterVec
	TransitionsTotal       *prometheus.CounterVec
	TransitionDuration     *prometheus.HistogramVec
	OverdueTasks           prometheus.Gauge
	NotificationsTotal     *prometheus.CounterVec
	IdempotentReplaysTotal prometheus.Counter

	// Cache metrics
	ConfigCacheHitsTotal       prometheus.Counter
	ConfigCacheMissesTotal     prometheus.Counter
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// Definition metrics
	ConfigActivationsTotal *prometheus.CounterVec
	DefinitionSeedTotal    *prometheus.CounterVec
	DefinitionsLoaded      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		TasksStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_tasks_started_total",
			Help: "Total number of tasks created.",
		}, []string{"kind"}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_claims_total",
			Help: "Total number of claim attempts by outcome.",
		}, []string{"kind", "outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_transitions_total",
			Help: "Total number of task transitions by action and outcome.",
		}, []string{"kind", "action", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_transition_duration_seconds",
			Help:    "Time spent applying a transition, including the store write.",
			Buckets: storeDurationBuckets,
		}, []string{"kind"}),
		OverdueTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curator_overdue_tasks",
			Help: "Number of overdue tasks seen by the last overdue query.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_notifications_total",
			Help: "Total number of notifications emitted by outcome.",
		}, []string{"type", "outcome"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_idempotent_replays_total",
			Help: "Total number of mutating requests answered from the idempotency store.",
		}),

		ConfigCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_config_cache_hits_total",
			Help: "Total number of procedure config cache hits.",
		}),
		ConfigCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_config_cache_misses_total",
			Help: "Total number of procedure config cache misses.",
		}),
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_capability_cache_hits_total",
			Help: "Total number of principal cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_capability_cache_misses_total",
			Help: "Total number of principal cache misses.",
		}),

		ConfigActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_config_activations_total",
			Help: "Total number of procedure config activations.",
		}, []string{"procedure_type"}),
		DefinitionSeedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_definition_seed_total",
			Help: "Total number of seed definitions processed by status.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curator_definitions_loaded",
			Help: "Number of seed bundles read at startup.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TasksStartedTotal,
		m.ClaimsTotal,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.OverdueTasks,
		m.NotificationsTotal,
		m.IdempotentReplaysTotal,
		m.ConfigCacheHitsTotal,
		m.ConfigCacheMissesTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.ConfigActivationsTotal,
		m.DefinitionSeedTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTaskStarted records a task creation.
func (m *Metrics) RecordTaskStarted(kind string) {
	if m == nil {
		return
	}
	m.TasksStartedTotal.WithLabelValues(kind).Inc()
}

// RecordClaim records a claim attempt. Outcome is "won", "lost" or "error".
func (m *Metrics) RecordClaim(kind, outcome string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition records a transition attempt and its duration.
func (m *Metrics) RecordTransition(kind, action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(kind, action, outcome).Inc()
	m.TransitionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetOverdueTasks sets the overdue gauge.
func (m *Metrics) SetOverdueTasks(count int) {
	if m == nil {
		return
	}
	m.OverdueTasks.Set(float64(count))
}

// RecordNotification records a notification emission.
func (m *Metrics) RecordNotification(notificationType, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notificationType, outcome).Inc()
}

// RecordIdempotentReplay records a replayed response.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordConfigCacheHit records a procedure config cache hit.
func (m *Metrics) RecordConfigCacheHit() {
	if m == nil {
		return
	}
	m.ConfigCacheHitsTotal.Inc()
}

// RecordConfigCacheMiss records a procedure config cache miss.
func (m *Metrics) RecordConfigCacheMiss() {
	if m == nil {
		return
	}
	m.ConfigCacheMissesTotal.Inc()
}

// RecordCapabilityCacheHit records a principal cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a principal cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordConfigActivation records a procedure config activation.
func (m *Metrics) RecordConfigActivation(procedureType string) {
	if m == nil {
		return
	}
	m.ConfigActivationsTotal.WithLabelValues(procedureType).Inc()
}

// RecordDefinitionSeed records one seeded definition. Status is "created",
// "skipped" or "failed".
func (m *Metrics) RecordDefinitionSeed(status string) {
	if m == nil {
		return
	}
	m.DefinitionSeedTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded seed bundles.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to keep label cardinality
// bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// HandlerFor returns the Prometheus HTTP handler for the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
