// Package integration provides a reusable test harness for end-to-end
// testing of the automation engine server. It starts a full HTTP server
// with in-memory stores, a running runner pool, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/bus"
	"github.com/buttermb/delviery-sub006/internal/config"
	"github.com/buttermb/delviery-sub006/internal/engine"
	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/internal/registry"
	"github.com/buttermb/delviery-sub006/internal/transport"
	"github.com/buttermb/delviery-sub006/internal/trigger"
)

// TestHarness encapsulates a fully wired engine instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Definitions *registry.MemoryDefinitionStore
	Executions  *engine.MemoryExecutionStore
	DeadLetters *engine.MemoryDeadLetterStore
	Registry    *registry.Registry
	Engine      *engine.Engine
	Bus         *bus.Bus
	Executors   *engine.ExecutorMux

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	engine    config.EngineConfig
	executors map[string]engine.ExecutorFunc
}

// WithEngineConfig overrides the runner pool and retry policy settings.
func WithEngineConfig(cfg config.EngineConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.engine = cfg
	}
}

// WithExecutor registers an executor for an action kind. The log kind is
// registered by default; this replaces or extends it.
func WithExecutor(kind string, fn engine.ExecutorFunc) HarnessOption {
	return func(c *harnessConfig) {
		c.executors[kind] = fn
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// and runner pool are automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		engine: config.EngineConfig{
			Runners:           2,
			PollInterval:      5 * time.Millisecond,
			VisibilityTimeout: time.Minute,
			MaxRetries:        3,
			RetryBackoffBase:  10 * time.Millisecond,
			RetryBackoffMax:   10 * time.Millisecond,
		},
		executors: make(map[string]engine.ExecutorFunc),
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	h := &TestHarness{
		t:           t,
		Definitions: registry.NewMemoryDefinitionStore(),
		DeadLetters: engine.NewMemoryDeadLetterStore(),
	}
	h.Executions = engine.NewMemoryExecutionStore(h.DeadLetters)

	h.Registry = registry.New(h.Definitions, logger, metrics)
	matcher := trigger.NewMatcher(h.Definitions, logger, metrics)
	h.Bus = bus.New(64, logger, metrics)

	h.Executors = engine.NewExecutorMux()
	h.Executors.Register("log", engine.NewLogExecutor(logger))
	for kind, fn := range hc.executors {
		h.Executors.Register(kind, fn)
	}

	h.Engine = engine.New(
		hc.engine,
		h.Definitions,
		h.Executions,
		h.DeadLetters,
		matcher,
		h.Bus,
		h.Executors,
		logger,
		metrics,
	)

	engineCtx, cancel := context.WithCancel(context.Background())
	h.Engine.Start(engineCtx)
	t.Cleanup(func() {
		cancel()
		h.Engine.Stop()
	})

	h.issuer = newTokenIssuer(t)

	cfg := config.Defaults()
	cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
		},
	}
	cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		MaxAge:         86400,
	}
	h.cfg = cfg

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Registry: h.Registry,
		Engine:   h.Engine,
		Bus:      h.Bus,
		Ready: observability.ReadinessChecks{
			RunnersStarted:  h.Engine.RunnersStarted,
			DefinitionStore: h.Definitions,
			ExecutionStore:  h.Executions,
		},
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses
// the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// WaitFor polls the condition until it returns true or the deadline passes.
func (h *TestHarness) WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// --- Default test claims ---

// AdminClaims returns TestClaims for a workflow administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "acme-corp",
		Email:     "admin@acme.example.com",
		Roles:     []string{"workflow_admin"},
	}
}

// OtherTenantClaims returns TestClaims for a user in a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-other",
		TenantID:  "globex",
		Email:     "admin@globex.example.com",
		Roles:     []string{"workflow_admin"},
	}
}

// --- Fixtures ---

// WorkflowFixture returns a request body for creating an order-cancellation
// workflow with a single log action.
func WorkflowFixture(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"description":  "Notify on cancelled orders",
		"trigger_type": "table_event",
		"trigger_config": map[string]any{
			"table_name": "orders",
			"operation":  "update",
		},
		"conditions": []map[string]any{
			{"field": "status", "operator": "eq", "value": "cancelled"},
		},
		"actions": []map[string]any{
			{"kind": "log", "parameters": map[string]any{"message": "order cancelled"}},
		},
		"is_active": true,
	}
}

// EventFixture returns a mutation event body for an order update.
func EventFixture(tenantID, orderID, status string) map[string]any {
	return map[string]any{
		"tenant_id":  tenantID,
		"table_name": "orders",
		"operation":  "update",
		"old_row":    map[string]any{"id": orderID, "status": "pending"},
		"new_row":    map[string]any{"id": orderID, "status": status},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
