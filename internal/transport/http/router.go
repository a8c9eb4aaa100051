// Package httptransport assembles the HTTP router. It stays thin: every
// endpoint is registered by its feature handler, this package only stacks
// middleware and mounts the operational endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uncovering-world/track-your-regions/internal/platform/middleware"
)

// requestTimeout bounds ordinary requests. Build and streaming endpoints
// manage their own deadlines and are mounted outside this timeout.
const requestTimeout = 30 * time.Second

// Registrar is any feature handler that mounts its own routes.
type Registrar interface {
	Register(r chi.Router)
}

// HealthCheck probes one backing dependency for the /healthz endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter stacks platform middleware and mounts every feature handler
// under /api. Handlers in longRunning skip the request timeout because
// builds and SSE streams outlive it.
func NewRouter(logger *slog.Logger, handlers []Registrar, longRunning []Registrar, checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		for _, c := range checks {
			if err := c.Check(req.Context()); err != nil {
				logger.ErrorContext(req.Context(), "health check failed",
					slog.String("dependency", c.Name), slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(c.Name + " unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(requestTimeout))
			for _, h := range handlers {
				h.Register(g)
			}
		})
		api.Group(func(g chi.Router) {
			for _, h := range longRunning {
				h.Register(g)
			}
		})
	})

	return r
}
