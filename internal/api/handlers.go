package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vllm-tools/pdsched/internal/client"
	"github.com/vllm-tools/pdsched/internal/logx"
	"github.com/vllm-tools/pdsched/internal/pool"
	"github.com/vllm-tools/pdsched/internal/sched"
	"github.com/vllm-tools/pdsched/internal/serverstate"
)

// SubmitRequest is the submit payload.
type SubmitRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	Priority          string   `json:"priority,omitempty"`
	TimeoutMs         int64    `json:"timeout_ms,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

// SubmitHandler admits a request and blocks until it settles.
func SubmitHandler(s *sched.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "draining"})
			return
		}
		var body SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
			return
		}
		if body.Model == "" || body.Prompt == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_model_or_prompt"})
			return
		}
		req := sched.Request{
			ModelID:  body.Model,
			Prompt:   body.Prompt,
			Priority: sched.Priority(body.Priority),
			Timeout:  time.Duration(body.TimeoutMs) * time.Millisecond,
			Sampling: client.SamplingParams{
				MaxTokens:         body.MaxTokens,
				Temperature:       body.Temperature,
				TopP:              body.TopP,
				TopK:              body.TopK,
				RepetitionPenalty: body.RepetitionPenalty,
				Stop:              body.Stop,
				Stream:            body.Stream,
			},
		}
		pending, err := s.Submit(req)
		if err != nil {
			writeSchedError(w, err)
			return
		}
		res, err := pending.Wait(r.Context())
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeSchedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// StateHandler returns the scheduler metrics snapshot plus process
// status.
func StateHandler(s *sched.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  serverstate.GetStatus(),
			"metrics": s.Metrics(),
		})
	}
}

// EventsHandler returns the tail of the lifecycle event log.
func EventsHandler(s *sched.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": s.Events(limit)})
	}
}

// RegisterWorkerHandler adds or refreshes a worker.
func RegisterWorkerHandler(s *sched.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var seed struct {
			ID             string `json:"id"`
			Endpoint       string `json:"endpoint"`
			Role           string `json:"role"`
			ModelID        string `json:"model_id"`
			MaxConcurrency int    `json:"max_concurrency"`
		}
		if err := json.NewDecoder(r.Body).Decode(&seed); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
			return
		}
		if seed.ID == "" || seed.Endpoint == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_id_or_endpoint"})
			return
		}
		role := pool.Role(seed.Role)
		if role != pool.RolePrefill && role != pool.RoleDecode {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_role"})
			return
		}
		worker := s.Pool().Register(pool.Seed{
			ID:             seed.ID,
			Endpoint:       seed.Endpoint,
			Role:           role,
			ModelID:        seed.ModelID,
			MaxConcurrency: seed.MaxConcurrency,
		})
		writeJSON(w, http.StatusOK, map[string]any{"id": worker.ID, "status": string(worker.Status)})
	}
}

// RemoveWorkerHandler deletes a worker from the pool.
func RemoveWorkerHandler(s *sched.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "worker_id")
		if !s.Pool().Remove(id) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": id})
	}
}

// DrainWorkerHandler marks a worker as draining.
func DrainWorkerHandler(s *sched.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "worker_id")
		if !s.Pool().Drain(id) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
			return
		}
		logx.Log.Info().Str("worker_id", id).Msg("worker draining")
		writeJSON(w, http.StatusOK, map[string]any{"draining": id})
	}
}

func writeSchedError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch sched.KindOf(err) {
	case sched.KindQueueFull:
		status = http.StatusTooManyRequests
	case sched.KindQueueTimeout:
		status = http.StatusGatewayTimeout
	case sched.KindNoDecodeWorker:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error":   string(sched.KindOf(err)),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
