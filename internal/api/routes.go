package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the queue's HTTP surface. health and metrics may be
// nil; their routes are then not mounted.
func SetupRoutes(h *Handlers, health *HealthChecker, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	if health != nil {
		r.Get("/health", health.HandleHealth)
		r.Get("/health/live", health.HandleLiveness)
		r.Get("/health/ready", health.HandleReadiness)
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/newsletter", func(r chi.Router) {
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Post("/enqueue", h.EnqueueCampaign)
			r.Get("/deliveries/summary", h.DeliverySummary)
			r.Get("/reports", h.CampaignReports)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", h.QueueStatus)
			r.Post("/run", h.RunQueue)
			r.Post("/fix-stuck", h.FixStuckCampaigns)
			r.Post("/requeue-stale", h.RequeueStale)
			r.Delete("/completed", h.ClearCompletedJobs)
		})
	})

	return r
}
