package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/internal/idempotency"
	"github.com/pitabwire/curator/internal/notify"
	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// Idempotency, Metrics and Gatherer are optional.
type Dependencies struct {
	Config        *config.Config
	Logger        *zap.Logger
	Authenticate  func(http.Handler) http.Handler
	Principals    PrincipalResolver
	Engine        *workflow.Engine
	Definitions   *definition.Service
	Configs       *definition.Resolver
	Exporter      *workflow.Exporter
	Notifications notify.Store
	Idempotency   idempotency.Store
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Readiness     observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no route for "+r.Method+" "+r.URL.Path)
	})

	r.Get("/api/health", observability.HandleHealth())
	r.Get("/api/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled && deps.Gatherer != nil {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.HandlerFor(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(ResolvePrincipal(deps.Principals))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		if cfg.Idempotency.Enabled {
			r.Use(Idempotency(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, deps.Metrics))
		}

		engine := deps.Engine
		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/mine", handleMyTasks(engine))
			r.Get("/pool", handlePool(engine))
			r.Get("/overdue", handleOverdue(engine))
			r.Get("/{taskId}", handleGetTask(engine))
			r.Post("/{taskId}/claim", handleClaim(engine))
			r.Post("/{taskId}/release", handleRelease(engine))
			r.Post("/{taskId}/start", handleStart(engine))
			r.Post("/{taskId}/approve", handleApprove(engine))
			r.Post("/{taskId}/reject", handleReject(engine))
			r.Post("/{taskId}/return", handleReturn(engine))
			r.Post("/{taskId}/resubmit", handleResubmit(engine))
		})

		r.Route("/api/objects/{objectType}/{objectId}", func(r chi.Router) {
			r.Post("/workflow", handleStartWorkflow(engine))
			r.Get("/history", handleObjectHistory(engine))
			r.Get("/procedures", handleProcedureProgress(engine))
			r.Get("/procedures/{procedureType}", handleProcedureState(engine))
			r.Post("/procedures/{procedureType}", handleStartProcedure(engine))
			r.Post("/procedures/{procedureType}/transitions", handleApplyTransition(engine))
		})

		r.Get("/api/notifications", handleListNotifications(deps.Notifications))
		r.Post("/api/notifications/{id}/read", handleMarkRead(deps.Notifications))

		r.Get("/api/dashboard", handleDashboard(engine))
		r.Get("/api/activity", handleActivity(engine))
		r.Get("/api/export", handleExport(deps.Exporter))

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			defs := deps.Definitions
			r.Get("/workflows", handleListWorkflows(defs))
			r.Post("/workflows", handleCreateWorkflow(defs))
			r.Get("/workflows/{workflowId}", handleGetWorkflow(defs))
			r.Put("/workflows/{workflowId}", handleUpdateWorkflow(defs))
			r.Delete("/workflows/{workflowId}", handleDeactivateWorkflow(defs))
			r.Post("/workflows/{workflowId}/steps", handleAddStep(defs))
			r.Post("/workflows/{workflowId}/steps/reorder", handleReorderSteps(defs))
			r.Put("/steps/{stepId}", handleUpdateStep(defs))
			r.Delete("/steps/{stepId}", handleDeactivateStep(defs))

			configs := deps.Configs
			r.Post("/procedures/cache/clear", handleClearCache(configs))
			r.Get("/procedures/{procedureType}", handleGetProcedure(configs))
			r.Put("/procedures/{procedureType}", handleActivateProcedure(configs))
		})
	})

	return r
}
