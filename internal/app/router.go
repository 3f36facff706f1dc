package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/meridian-erp/meridian-erp/internal/audit/http"
	"github.com/meridian-erp/meridian-erp/internal/gateway"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	rbachttp "github.com/meridian-erp/meridian-erp/internal/rbac/http"
	"github.com/meridian-erp/meridian-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Gateway        *gateway.Service
	RBACHandler    *rbachttp.Handler
	RBACMiddleware rbac.Middleware
	AuditHandler   *audithttp.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults. Everything
// under /api requires a valid service token; audit routes additionally
// require the audit view capability.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if params.Gateway != nil {
			r.Use(gateway.Middleware(params.Gateway, params.Logger))
		}
		if params.RBACHandler != nil {
			params.RBACHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			r.Group(func(gr chi.Router) {
				gr.Use(params.RBACMiddleware.RequireAny("audit.view"))
				params.AuditHandler.MountRoutes(gr)
			})
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
