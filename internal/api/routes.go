package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - the app frontend drives these endpoints with credentials
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.outreach-engine.io", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/schedule", h.ScheduleCampaign)
			r.Post("/status", h.UpdateCampaignStatus)
			r.Post("/resume-auto-paused", h.ResumeAutoPausedCampaign)
			r.Post("/prospects/{prospectID}/status", h.UpdateProspectStatus)
		})

		r.Post("/send/process", h.ProcessPendingEmails)
	})

	return r
}
