package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public — no auth required.
	r.Get("/health", g.handleHealth())
	r.Handle("/metrics", promhttp.Handler())

	// Job API — auth required. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth))
			r.Route("/api", func(r chi.Router) {
				r.Post("/jobs", g.handleCreateJob())
				r.Get("/jobs", g.handleListJobs())
				r.Get("/jobs/{id}", g.handleGetJob())
				r.Delete("/jobs/{id}", g.handleCancelJob())
				r.Get("/stats", g.handleStats())
				r.Post("/cleanup", g.handleCleanup())
				r.Get("/events", g.handleEvents())
			})
		})
	}

	return r
}
