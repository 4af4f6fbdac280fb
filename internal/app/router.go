// Package app wires configuration, adapters and usecases into runnable
// server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/followaudit/followaudit/internal/adapter/httpserver"
	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/users/ensure", srv.EnsureUserHandler())
		wr.Post("/check/initiate", srv.InitiateCheckHandler())
		wr.Post("/payments/telegram-stars/create", srv.StarsCreateHandler())
		wr.Post("/payments/telegram-stars/validate/{id}", srv.StarsValidateHandler())
		wr.Post("/payments/telegram-stars/complete", srv.StarsCompleteHandler())
	})
	// The acquirer retries callbacks aggressively, so it stays outside the
	// per-IP limiter.
	r.Post("/payments/external/callback", srv.ExternalCallbackHandler())

	// Read-only endpoints
	r.Get("/users/{id}/balance", srv.BalanceHandler())
	r.Get("/check/{id}", srv.CheckHandler())
	r.Get("/checks", srv.HistoryHandler())
	r.Get("/tariffs", srv.TariffsHandler())

	// Admin surface
	r.Group(func(ar chi.Router) {
		ar.Use(srv.AdminGuard())
		ar.Get("/admin/session", srv.AdminSessionHandler())
		ar.Post("/admin/session", srv.AdminSetSessionHandler())
		ar.Post("/admin/session/refresh-sync", srv.AdminRefreshSyncHandler())
		ar.Get("/admin/stats", srv.AdminStatsHandler())
		ar.Get("/admin/stats/daily", srv.AdminDailyStatsHandler())
		ar.Get("/admin/checks/failed", srv.AdminFailedChecksHandler())
		ar.Post("/admin/payments/grant", srv.AdminGrantHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
