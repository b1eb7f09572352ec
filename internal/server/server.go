package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vllm-tools/pdsched/internal/api"
	"github.com/vllm-tools/pdsched/internal/config"
	"github.com/vllm-tools/pdsched/internal/sched"
)

// New constructs the HTTP handler for the server.
func New(cfg config.Config, s *sched.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api", api.NewRouter(s, cfg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())
	return r
}
