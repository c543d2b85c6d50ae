/**
 * @description
 * HTTP router setup for the jobs-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// AuthConfig carries the credentials accepted by the internal routes.
type AuthConfig struct {
	CronSecret     string
	AdminJWTSecret string
	InternalAPIKey string
}

// NewRouter creates a new Chi router and registers the job routes.
func NewRouter(h *JobHandlers, auth AuthConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Cron-Secret", "X-Internal-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Jobs service is healthy"))
	})

	r.Route("/internal/jobs", func(r chi.Router) {
		r.With(TriggerAuthMiddleware(auth.CronSecret, auth.AdminJWTSecret)).
			Post("/calculate-interest", h.handleCalculateInterest)

		r.Group(func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(auth.InternalAPIKey, auth.AdminJWTSecret))
			r.Post("/convert-crypto", h.handleConvertCrypto)
			r.Get("/failed", h.handleListFailedJobs)
			r.Get("/{id}", h.handleGetJob)
			r.Post("/{id}/retry", h.handleRetryJob)
		})
	})

	return r
}
