// Package app assembles the HTTP surface and background loops from their
// parts.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/vendaro/crosslist/internal/adapter/httpserver"
	"github.com/vendaro/crosslist/internal/adapter/observability"
	"github.com/vendaro/crosslist/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
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
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints: request timeout plus per-IP rate limit.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		wr.Post("/v1/listings/{listingID}/post", srv.PostListingHandler())
		wr.Post("/v1/listings/{listingID}/delist", srv.DelistListingHandler())
		wr.Post("/v1/listings/{listingID}/sync", srv.SyncInventoryHandler())
		wr.Post("/v1/batch/postings", srv.BatchPostingHandler())
		wr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		wr.Delete("/v1/automation-rules/{ruleID}/jobs", srv.CancelAutomationJobsHandler())

		wr.Post("/v1/dlq/{id}/resolve", srv.ResolveDeadLetterHandler())
		wr.Post("/v1/dlq/{id}/discard", srv.DiscardDeadLetterHandler())
		wr.Post("/v1/dlq/{id}/replay", srv.ReplayDeadLetterHandler())
	})

	// Read-only endpoints. The progress stream is long-lived, so it stays
	// outside the timeout group.
	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		rr.Get("/v1/jobs/{id}", srv.GetJobHandler())
		rr.Get("/v1/dlq", srv.ListDeadLettersHandler())
		rr.Get("/v1/marketplaces/status", srv.MarketplaceStatusHandler())
	})
	r.Get("/v1/progress", srv.ProgressStreamHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
