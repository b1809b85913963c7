package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the HTTP surface: event ingestion and trigger
// management under /api, the public unsubscribe pages at the root.
func SetupRoutes(h *Handlers, u *UnsubscribeHandlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Organization-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.HandleTrackEvent)

		r.Route("/triggers", func(r chi.Router) {
			r.Get("/", h.HandleListTriggers)
			r.Post("/", h.HandleCreateTrigger)
			r.Get("/{id}", h.HandleGetTrigger)
			r.Put("/{id}", h.HandleUpdateTrigger)
			r.Get("/{id}/log", h.HandleTriggerLog)
		})

		r.Post("/scheduler/run", h.HandleRunScheduler)
	})

	// Public pages, no org header required: the token carries identity.
	r.Get("/unsubscribe/{token}", u.HandleShowForm)
	r.Post("/unsubscribe/{token}", u.HandleApply)

	return r
}
