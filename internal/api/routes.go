// Package api exposes the verifier's HTTP boundary: list submission,
// batch and request status, dead-letter review and the health snapshot.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the status API router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.GetHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/verify", h.SubmitList)
		r.Get("/batches/{id}", h.GetBatch)
		r.Get("/requests/{id}", h.GetRequest)

		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", h.ListDeadLetters)
			r.Get("/stats", h.GetDeadLetterStats)
			r.Post("/retry", h.RetryDeadLetters)
			r.Post("/review", h.ReviewDeadLetters)
		})
	})

	return r
}
