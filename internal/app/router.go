// Package app assembles the HTTP surfaces of the producer process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/testdock/internal/adapter/httpserver"
	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/adapter/realtime"
	"github.com/fairyhunter13/testdock/internal/config"
	"github.com/fairyhunter13/testdock/internal/domain"
)

const rateWindow = time.Minute

// TenantRouterDeps carries everything the public router serves.
type TenantRouterDeps struct {
	Executions *httpserver.ExecutionHandler
	Reports    *httpserver.ReportsHandler
	Hub        *realtime.Hub
	Verifier   domain.TokenVerifier
	Ready      map[string]httpserver.Pinger
}

// NewTenantRouter builds the public listener: REST API, websocket hub,
// artifact serving and the operational probes.
func NewTenantRouter(cfg config.Config, deps TenantRouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(middleware.RealIP)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", httpserver.Healthz)
	r.Get("/readyz", httpserver.Readyz(deps.Ready))
	r.Handle("/metrics", promhttp.Handler())

	// The websocket endpoint authenticates inside its first frame, not via
	// the Authorization header, so it sits outside the auth group.
	r.Get("/ws", deps.Hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, rateWindow))
		r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
		r.Use(httpserver.RequireAuth(deps.Verifier))

		r.Route("/api", func(r chi.Router) {
			r.Post("/execution-request", deps.Executions.Submit)
			r.Get("/executions", deps.Executions.List)
			r.Get("/executions/{taskId}", deps.Executions.Get)
			r.Delete("/executions/{taskId}", deps.Executions.Delete)
			r.Get("/auth/me", deps.Executions.Me)
		})
		r.Get("/reports/{organizationId}/{taskId}/*", deps.Reports.Serve)
	})

	return r
}

// NewInternalRouter builds the trusted listener the workers post broadcasts
// to. It must only ever be bound on a network tenants cannot reach.
func NewInternalRouter(internal *httpserver.InternalHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())

	r.Get("/healthz", httpserver.Healthz)
	r.Post("/executions/update", internal.PublishUpdate)
	r.Post("/executions/log", internal.PublishLog)

	return r
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
