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
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion / matching metrics
	EventsIngestedTotal *prometheus.CounterVec
	EventsDroppedTotal  prometheus.Counter
	MatchesTotal        *prometheus.CounterVec
	MatchErrorsTotal    *prometheus.CounterVec
	MatchDuration       prometheus.Histogram

	// Execution metrics
	ExecutionsEnqueuedTotal  *prometheus.CounterVec
	ExecutionsCompletedTotal *prometheus.CounterVec
	ExecutionDuration        *prometheus.HistogramVec
	ActionDuration           *prometheus.HistogramVec
	RetriesTotal             *prometheus.CounterVec
	ClaimsReclaimedTotal     prometheus.Counter

	// Dead-letter metrics
	DeadLetteredTotal       *prometheus.CounterVec
	DeadLetterManualRetries prometheus.Counter
	DeadLetterResolved      prometheus.Counter

	// Registry metrics
	VersionsWrittenTotal  *prometheus.CounterVec
	VersionConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_ingested_total",
			Help: "Total number of mutation events accepted by the bus.",
		}, []string{"table", "operation"}),
		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_dropped_total",
			Help: "Total number of mutation events dropped because the bus buffer was full.",
		}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_matches_total",
			Help: "Total number of trigger matches.",
		}, []string{"table", "operation"}),
		MatchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_match_errors_total",
			Help: "Total number of definitions skipped during matching due to malformed config or predicates.",
		}, []string{"table"}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_match_duration_seconds",
			Help:    "Trigger matching duration per event in seconds.",
			Buckets: httpDurationBuckets,
		}),

		ExecutionsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_executions_enqueued_total",
			Help: "Total number of executions enqueued.",
		}, []string{"workflow_id"}),
		ExecutionsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_executions_completed_total",
			Help: "Total number of executions reaching a terminal attempt outcome.",
		}, []string{"workflow_id", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_execution_duration_seconds",
			Help:    "Execution attempt duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"workflow_id"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_action_duration_seconds",
			Help:    "Individual action duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"action_kind"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_retries_total",
			Help: "Total number of executions re-queued by the retry handler.",
		}, []string{"workflow_id"}),
		ClaimsReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_claims_reclaimed_total",
			Help: "Total number of expired claims reclaimed from crashed runners.",
		}),

		DeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_dead_lettered_total",
			Help: "Total number of executions moved to the dead-letter store.",
		}, []string{"workflow_id", "error_type"}),
		DeadLetterManualRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_dead_letter_manual_retries_total",
			Help: "Total number of manual dead-letter requeues.",
		}),
		DeadLetterResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_dead_letter_resolved_total",
			Help: "Total number of dead-letter entries resolved.",
		}),

		VersionsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_versions_written_total",
			Help: "Total number of workflow version snapshots written.",
		}, []string{"kind"}),
		VersionConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_version_conflicts_total",
			Help: "Total number of version-number conflicts retried by the registry.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsIngestedTotal,
		m.EventsDroppedTotal,
		m.MatchesTotal,
		m.MatchErrorsTotal,
		m.MatchDuration,
		m.ExecutionsEnqueuedTotal,
		m.ExecutionsCompletedTotal,
		m.ExecutionDuration,
		m.ActionDuration,
		m.RetriesTotal,
		m.ClaimsReclaimedTotal,
		m.DeadLetteredTotal,
		m.DeadLetterManualRetries,
		m.DeadLetterResolved,
		m.VersionsWrittenTotal,
		m.VersionConflictsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordEventIngested records a mutation event accepted by the bus.
func (m *Metrics) RecordEventIngested(table, operation string) {
	m.EventsIngestedTotal.WithLabelValues(table, operation).Inc()
}

// RecordMatch records a trigger match for an event.
func (m *Metrics) RecordMatch(table, operation string) {
	m.MatchesTotal.WithLabelValues(table, operation).Inc()
}

// RecordMatchError records a definition skipped during matching.
func (m *Metrics) RecordMatchError(table string) {
	m.MatchErrorsTotal.WithLabelValues(table).Inc()
}

// RecordExecutionEnqueued records a newly queued execution.
func (m *Metrics) RecordExecutionEnqueued(workflowID string) {
	m.ExecutionsEnqueuedTotal.WithLabelValues(workflowID).Inc()
}

// RecordExecutionCompleted records an execution attempt outcome.
func (m *Metrics) RecordExecutionCompleted(workflowID, status string, duration time.Duration) {
	m.ExecutionsCompletedTotal.WithLabelValues(workflowID, status).Inc()
	m.ExecutionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordActionDuration records the duration of a single action.
func (m *Metrics) RecordActionDuration(actionKind string, duration time.Duration) {
	m.ActionDuration.WithLabelValues(actionKind).Observe(duration.Seconds())
}

// RecordRetry records an execution re-queued by the retry handler.
func (m *Metrics) RecordRetry(workflowID string) {
	m.RetriesTotal.WithLabelValues(workflowID).Inc()
}

// RecordDeadLettered records an execution moved to the dead-letter store.
func (m *Metrics) RecordDeadLettered(workflowID, errorType string) {
	m.DeadLetteredTotal.WithLabelValues(workflowID, errorType).Inc()
}

// RecordVersionWritten records a workflow version snapshot write.
// Kind is "create", "update", or "restore".
func (m *Metrics) RecordVersionWritten(kind string) {
	m.VersionsWrittenTotal.WithLabelValues(kind).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
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

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	return w.ResponseWriter.Write(b)
}
