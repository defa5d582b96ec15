package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/clientsync/internal/auth"
)

// SetupRoutes configures all API routes. Health endpoints are open;
// everything under /api requires the admin bearer token when one is
// configured.
func SetupRoutes(h *Handlers, hc *HealthChecker, tokenAuth *auth.TokenAuth, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks (no auth required)
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		if tokenAuth != nil && tokenAuth.Enabled() {
			r.Use(tokenAuth.Middleware)
		}

		// Sync triggers. The command-center route registers before the
		// {source} wildcard so it doesn't get captured as a source name.
		r.Route("/sync", func(r chi.Router) {
			r.Post("/command-center", h.TriggerCommandCenter)
			r.Post("/cancel", h.CancelSync)
			r.Post("/{source}", h.TriggerSync)
		})

		// Run history
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
		})

		// Merged identities
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.ListClients)
			r.Get("/{id}", h.GetClient)
		})

		// Merge conflicts
		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Post("/{id}/resolve", h.ResolveConflict)
		})

		// Staging recovery
		r.Post("/staging/{source}/reprocess", h.ReprocessStaging)

		// Settings
		r.Get("/settings/sync-paused", h.GetSyncPaused)
		r.Put("/settings/sync-paused", h.SetSyncPaused)

		// Dashboard rollup
		r.Get("/status", h.GetStatus)
	})

	return r
}
