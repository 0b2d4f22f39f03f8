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
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/admin/workflows", 200, time.Millisecond)
	m.RecordEventIngested("orders", "update")
	m.EventsDroppedTotal.Inc()
	m.RecordMatch("orders", "update")
	m.RecordMatchError("orders")
	m.MatchDuration.Observe(0.001)
	m.RecordExecutionEnqueued("wf-1")
	m.RecordExecutionCompleted("wf-1", "succeeded", time.Millisecond)
	m.RecordActionDuration("webhook", time.Millisecond)
	m.RecordRetry("wf-1")
	m.ClaimsReclaimedTotal.Inc()
	m.RecordDeadLettered("wf-1", "timeout")
	m.DeadLetterManualRetries.Inc()
	m.DeadLetterResolved.Inc()
	m.RecordVersionWritten("create")
	m.VersionConflictsTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"engine_http_requests_total",
		"engine_http_request_duration_seconds",
		"engine_events_ingested_total",
		"engine_events_dropped_total",
		"engine_matches_total",
		"engine_match_errors_total",
		"engine_match_duration_seconds",
		"engine_executions_enqueued_total",
		"engine_executions_completed_total",
		"engine_execution_duration_seconds",
		"engine_action_duration_seconds",
		"engine_retries_total",
		"engine_claims_reclaimed_total",
		"engine_dead_lettered_total",
		"engine_dead_letter_manual_retries_total",
		"engine_dead_letter_resolved_total",
		"engine_versions_written_total",
		"engine_version_conflicts_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/admin/workflows/{workflowId}", 200, 50*time.Millisecond)
	m.RecordHTTPRequest("GET", "/admin/workflows/{workflowId}", 200, 100*time.Millisecond)
	m.RecordHTTPRequest("POST", "/admin/workflows", 500, 200*time.Millisecond)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/admin/workflows/{workflowId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/admin/workflows", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordExecutionCompleted(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordExecutionCompleted("wf-1", "succeeded", 150*time.Millisecond)
	m.RecordExecutionCompleted("wf-1", "failed", 50*time.Millisecond)

	succeeded := testutil.ToFloat64(m.ExecutionsCompletedTotal.WithLabelValues("wf-1", "succeeded"))
	if succeeded != 1 {
		t.Errorf("succeeded count = %v, want 1", succeeded)
	}
	failed := testutil.ToFloat64(m.ExecutionsCompletedTotal.WithLabelValues("wf-1", "failed"))
	if failed != 1 {
		t.Errorf("failed count = %v, want 1", failed)
	}

	count := testutil.CollectAndCount(m.ExecutionDuration)
	if count == 0 {
		t.Error("expected execution duration histogram to have observations")
	}
}

func TestRecordMatchAndErrors(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordMatch("orders", "update")
	m.RecordMatch("orders", "update")
	m.RecordMatchError("orders")

	matches := testutil.ToFloat64(m.MatchesTotal.WithLabelValues("orders", "update"))
	if matches != 2 {
		t.Errorf("matches = %v, want 2", matches)
	}
	errs := testutil.ToFloat64(m.MatchErrorsTotal.WithLabelValues("orders"))
	if errs != 1 {
		t.Errorf("match errors = %v, want 1", errs)
	}
}

func TestRecordRetryAndDeadLetter(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRetry("wf-1")
	m.RecordRetry("wf-1")
	m.RecordDeadLettered("wf-1", "action_error")

	retries := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("wf-1"))
	if retries != 2 {
		t.Errorf("retries = %v, want 2", retries)
	}
	dl := testutil.ToFloat64(m.DeadLetteredTotal.WithLabelValues("wf-1", "action_error"))
	if dl != 1 {
		t.Errorf("dead lettered = %v, want 1", dl)
	}
}

func TestRecordVersionWritten(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordVersionWritten("create")
	m.RecordVersionWritten("update")
	m.RecordVersionWritten("restore")
	m.RecordVersionWritten("update")

	update := testutil.ToFloat64(m.VersionsWrittenTotal.WithLabelValues("update"))
	if update != 2 {
		t.Errorf("update versions = %v, want 2", update)
	}
	restore := testutil.ToFloat64(m.VersionsWrittenTotal.WithLabelValues("restore"))
	if restore != 1 {
		t.Errorf("restore versions = %v, want 1", restore)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/admin/workflows/{workflowId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/workflows/wf-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/admin/workflows/{workflowId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/admin/workflows", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/workflows", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/admin/workflows", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for i := 1; i < len(httpDurationBuckets); i++ {
		if httpDurationBuckets[i] <= httpDurationBuckets[i-1] {
			t.Errorf("httpDurationBuckets not sorted at index %d", i)
		}
	}
	for i := 1; i < len(actionDurationBuckets); i++ {
		if actionDurationBuckets[i] <= actionDurationBuckets[i-1] {
			t.Errorf("actionDurationBuckets not sorted at index %d", i)
		}
	}
}
