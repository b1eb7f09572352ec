package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vllm-tools/pdsched/internal/logx"
	"github.com/vllm-tools/pdsched/internal/pool"
	"github.com/vllm-tools/pdsched/internal/transfer"
)

// DefaultTimeout bounds a single worker call.
const DefaultTimeout = 30 * time.Second

// Error reports a transport, HTTP, or response-shape failure from a
// worker call.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("worker returned status %d: %s", e.Status, e.Message)
	}
	return e.Message
}

// SamplingParams are forwarded to the decode worker. Zero values are
// omitted from the wire payload.
type SamplingParams struct {
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

// PrefillResult is the outcome of a prefill call.
type PrefillResult struct {
	KVCacheHandle string
	PromptTokens  int
	LatencyMs     int64
}

// DecodeResult is the outcome of a decode call.
type DecodeResult struct {
	Text             string
	CompletionTokens int
	LatencyMs        int64
}

// HealthStatus is the outcome of a health probe. Probes never fail
// with an error; transport problems surface as Healthy=false.
type HealthStatus struct {
	Healthy        bool
	GPUUtilization float64
	ActiveRequests int
	Err            string
}

// WorkerClient is the narrow contract the scheduler consumes. The HTTP
// implementation talks to remote vLLM workers; tests inject fakes.
type WorkerClient interface {
	Prefill(ctx context.Context, w pool.Worker, requestID, prompt, modelID string) (PrefillResult, error)
	Decode(ctx context.Context, w pool.Worker, requestID, kvCacheHandle, modelID string, sp SamplingParams) (DecodeResult, error)
	Health(ctx context.Context, w pool.Worker) HealthStatus
}

// HTTP implements WorkerClient against the worker HTTP contract.
// Mutating calls use a plain client so a retry can never double-run a
// prefill; idempotent health probes ride a retrying client.
type HTTP struct {
	client  *http.Client
	probes  *retryablehttp.Client
	timeout time.Duration
}

// NewHTTP constructs a worker client. A non-positive timeout selects
// DefaultTimeout.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probes := retryablehttp.NewClient()
	probes.RetryMax = 2
	probes.RetryWaitMin = 100 * time.Millisecond
	probes.RetryWaitMax = time.Second
	probes.Logger = nil
	return &HTTP{
		client:  &http.Client{},
		probes:  probes,
		timeout: timeout,
	}
}

type prefillRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id"`
}

type prefillResponse struct {
	KVCacheHandle string `json:"kv_cache_handle"`
	PromptTokens  int    `json:"prompt_tokens"`
}

// Prefill runs the prompt through a prefill worker and returns the
// resulting KV-cache handle. A 404 falls back to the legacy
// /completions path with max_tokens=1, using the completion id as the
// cache handle.
func (h *HTTP) Prefill(ctx context.Context, w pool.Worker, requestID, prompt, modelID string) (PrefillResult, error) {
	start := time.Now()
	var resp prefillResponse
	err := h.postJSON(ctx, w.Endpoint+"/prefill", prefillRequest{Model: modelID, Prompt: prompt, RequestID: requestID}, &resp)
	if isNotFound(err) {
		return h.prefillLegacy(ctx, w, prompt, modelID, start)
	}
	if err != nil {
		return PrefillResult{}, err
	}
	if resp.KVCacheHandle == "" {
		return PrefillResult{}, &Error{Message: "prefill response missing kv_cache_handle"}
	}
	return PrefillResult{
		KVCacheHandle: resp.KVCacheHandle,
		PromptTokens:  resp.PromptTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
	}, nil
}

func (h *HTTP) prefillLegacy(ctx context.Context, w pool.Worker, prompt, modelID string, start time.Time) (PrefillResult, error) {
	logx.Log.Debug().Str("worker_id", w.ID).Msg("prefill endpoint missing; using /completions fallback")
	body := map[string]any{"model": modelID, "prompt": prompt, "max_tokens": 1}
	var resp completionsResponse
	if err := h.postJSON(ctx, w.Endpoint+"/completions", body, &resp); err != nil {
		return PrefillResult{}, err
	}
	if resp.ID == "" {
		return PrefillResult{}, &Error{Message: "completions response missing id"}
	}
	return PrefillResult{
		KVCacheHandle: resp.ID,
		PromptTokens:  resp.Usage.PromptTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
	}, nil
}

type decodeRequest struct {
	Model         string `json:"model"`
	KVCacheHandle string `json:"kv_cache_handle"`
	RequestID     string `json:"request_id"`
	SamplingParams
}

type decodeResponse struct {
	Text             string `json:"text"`
	CompletionTokens int    `json:"completion_tokens"`
}

type completionsResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Decode generates tokens on a decode worker from an imported KV
// cache. A 404 falls back to /completions with the handle inlined in
// the prompt.
func (h *HTTP) Decode(ctx context.Context, w pool.Worker, requestID, kvCacheHandle, modelID string, sp SamplingParams) (DecodeResult, error) {
	start := time.Now()
	var resp decodeResponse
	req := decodeRequest{Model: modelID, KVCacheHandle: kvCacheHandle, RequestID: requestID, SamplingParams: sp}
	err := h.postJSON(ctx, w.Endpoint+"/decode", req, &resp)
	if isNotFound(err) {
		return h.decodeLegacy(ctx, w, kvCacheHandle, modelID, sp, start)
	}
	if err != nil {
		return DecodeResult{}, err
	}
	return DecodeResult{
		Text:             resp.Text,
		CompletionTokens: resp.CompletionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
	}, nil
}

func (h *HTTP) decodeLegacy(ctx context.Context, w pool.Worker, kvCacheHandle, modelID string, sp SamplingParams, start time.Time) (DecodeResult, error) {
	logx.Log.Debug().Str("worker_id", w.ID).Msg("decode endpoint missing; using /completions fallback")
	body := map[string]any{
		"model":  modelID,
		"prompt": fmt.Sprintf("<kv_cache:%s>", kvCacheHandle),
	}
	if sp.MaxTokens > 0 {
		body["max_tokens"] = sp.MaxTokens
	}
	if sp.Temperature > 0 {
		body["temperature"] = sp.Temperature
	}
	if sp.TopP > 0 {
		body["top_p"] = sp.TopP
	}
	if len(sp.Stop) > 0 {
		body["stop"] = sp.Stop
	}
	var resp completionsResponse
	if err := h.postJSON(ctx, w.Endpoint+"/completions", body, &resp); err != nil {
		return DecodeResult{}, err
	}
	if len(resp.Choices) == 0 {
		return DecodeResult{}, &Error{Message: "completions response has no choices"}
	}
	return DecodeResult{
		Text:             resp.Choices[0].Text,
		CompletionTokens: resp.Usage.CompletionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
	}, nil
}

type healthResponse struct {
	Status         string  `json:"status"`
	GPUUtilization float64 `json:"gpu_utilization"`
	ActiveRequests int     `json:"active_requests"`
}

// Health probes a worker. It never returns an error; any failure is
// reported through the status.
func (h *HTTP) Health(ctx context.Context, w pool.Worker) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint+"/health", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Err: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.probes.Do(req)
	if err != nil {
		return HealthStatus{Healthy: false, Err: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthStatus{Healthy: false, Err: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return HealthStatus{Healthy: false, Err: err.Error()}
	}
	if hr.Status != "ok" {
		return HealthStatus{Healthy: false, Err: fmt.Sprintf("status %q", hr.Status)}
	}
	return HealthStatus{Healthy: true, GPUUtilization: hr.GPUUtilization, ActiveRequests: hr.ActiveRequests}
}

type exportRequest struct {
	CacheHandle string `json:"cache_handle"`
}

type exportResponse struct {
	TransferToken string `json:"transfer_token"`
}

type importRequest struct {
	TransferToken string `json:"transfer_token"`
	SourceWorker  string `json:"source_worker"`
}

type importResponse struct {
	CacheHandle string `json:"cache_handle"`
}

// TransferKV moves a KV cache from the source to the target worker via
// the export/import handshake and returns the handle on the target.
// The source endpoint doubles as the source_worker wire field.
func (h *HTTP) TransferKV(ctx context.Context, job transfer.Job) (string, error) {
	var exp exportResponse
	if err := h.postJSON(ctx, job.SourceEndpoint+"/kv_cache/export", exportRequest{CacheHandle: job.SourceCacheHandle}, &exp); err != nil {
		return "", err
	}
	var imp importResponse
	req := importRequest{TransferToken: exp.TransferToken, SourceWorker: job.SourceEndpoint}
	if err := h.postJSON(ctx, job.TargetEndpoint+"/kv_cache/import", req, &imp); err != nil {
		return "", err
	}
	return imp.CacheHandle, nil
}

func (h *HTTP) postJSON(ctx context.Context, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	data, err := json.Marshal(body)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return &Error{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Status: resp.StatusCode, Message: string(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Message: err.Error()}
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	ce, ok := err.(*Error)
	return ok && ce.Status == http.StatusNotFound
}
