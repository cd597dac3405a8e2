package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/floorops/internal/costing"
	"github.com/odyssey-erp/floorops/internal/dashboard"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/platform/httpx"
	"github.com/odyssey-erp/floorops/internal/reconcile"
	"github.com/odyssey-erp/floorops/internal/stockaudit"
	"github.com/odyssey-erp/floorops/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Components *Components
	// JobHandler is optional; it needs a Redis-backed queue.
	JobHandler *jobs.Handler
}

// NewRouter constructs the chi.Router with floorops defaults.
func NewRouter(params RouterParams) http.Handler {
	c := params.Components
	mw := MiddlewareConfig{Logger: params.Logger, Config: params.Config, Metrics: c.Metrics}

	r := chi.NewRouter()
	for _, m := range MiddlewareStack(mw) {
		r.Use(m)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if c.Pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := c.Pool.Ping(ctx); err != nil {
				params.Logger.Warn("healthz postgres", slog.Any("error", err))
				status = map[string]string{"status": "degraded", "postgres": "unreachable"}
				code = http.StatusServiceUnavailable
			}
		}
		httpx.JSON(w, code, status)
	})
	r.Method(http.MethodGet, "/metrics", c.Metrics.Handler())
	// Streams stay open; they skip the API deadline and compression.
	r.Method(http.MethodGet, "/events", notify.StreamHandler{Hub: c.Hub})

	r.Route("/api", func(r chi.Router) {
		for _, m := range APIMiddleware(mw) {
			r.Use(m)
		}
		r.Route("/lines", reconcile.NewHandler(params.Logger, c.Lines).MountRoutes)
		r.Route("/stock", ledger.NewHandler(params.Logger, c.Ledger).MountRoutes)
		r.Route("/audit", stockaudit.NewHandler(params.Logger, c.Audits).MountRoutes)
		r.Route("/costing", costing.NewHandler(params.Logger, c.Costing).MountRoutes)
		r.Route("/dashboard", dashboard.NewHandler(params.Logger, c.Dashboard).MountRoutes)
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})
	return r
}
