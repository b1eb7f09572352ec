package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/vllm-tools/pdsched/internal/config"
	"github.com/vllm-tools/pdsched/internal/sched"
)

// NewRouter builds the API router mounted under /api.
func NewRouter(s *sched.Scheduler, cfg config.Config) chi.Router {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	if cfg.APIKey != "" {
		r.Use(requireKey(cfg.APIKey))
	}

	r.Post("/requests", SubmitHandler(s))
	r.Get("/state", StateHandler(s))
	r.Get("/events", EventsHandler(s))
	r.Get("/events/stream", StreamHandler(s, cfg.AllowedOrigins))
	r.Post("/workers", RegisterWorkerHandler(s))
	r.Delete("/workers/{worker_id}", RemoveWorkerHandler(s))
	r.Post("/workers/{worker_id}/drain", DrainWorkerHandler(s))
	return r
}

// requireKey enforces a bearer API key on every route.
func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+key {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
