package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/bus"
	"github.com/buttermb/delviery-sub006/internal/config"
	"github.com/buttermb/delviery-sub006/internal/engine"
	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/internal/registry"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Registry     *registry.Registry
	Engine       *engine.Engine
	Bus          *bus.Bus
	Ready        observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	h := &handler{
		registry: deps.Registry,
		engine:   deps.Engine,
		bus:      deps.Bus,
		logger:   deps.Logger,
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Ready))
	r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.WriteTimeout))
		r.Use(RequestLogging(deps.Logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/workflows", h.createWorkflow)
			r.Get("/workflows", h.listWorkflows)
			r.Get("/workflows/{workflowId}", h.getWorkflow)
			r.Put("/workflows/{workflowId}", h.updateWorkflow)
			r.Post("/workflows/{workflowId}/active", h.setWorkflowActive)

			r.Get("/workflows/{workflowId}/versions", h.listVersions)
			r.Get("/workflows/{workflowId}/versions/compare", h.compareVersions)
			r.Post("/workflows/{workflowId}/versions/{version}/restore", h.restoreVersion)

			r.Get("/executions", h.listExecutions)
			r.Get("/executions/{executionId}", h.getExecution)

			r.Get("/dead-letters", h.listDeadLetters)
			r.Get("/dead-letters/{entryId}", h.getDeadLetter)
			r.Post("/dead-letters/{entryId}/retry", h.retryDeadLetter)
			r.Post("/dead-letters/{entryId}/resolve", h.resolveDeadLetter)
		})

		r.Post("/internal/events", h.ingestEvent)
	})

	return r
}

// handler carries the service dependencies shared by all request handlers.
type handler struct {
	registry *registry.Registry
	engine   *engine.Engine
	bus      *bus.Bus
	logger   *zap.Logger
}
