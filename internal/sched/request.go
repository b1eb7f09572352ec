package sched

import (
	"context"
	"time"

	"github.com/vllm-tools/pdsched/internal/client"
)

// Priority orders queued requests; high drains before normal before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Phase of a request's lifecycle. Transitions are monotonic along
// queued → prefilling → transferring → decoding → completed, with any
// non-terminal phase able to jump to failed.
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhasePrefilling   Phase = "prefilling"
	PhaseTransferring Phase = "transferring"
	PhaseDecoding     Phase = "decoding"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Request is one inference request moving through the pipeline.
// RequestID, Phase, and CreatedAt are assigned by Submit.
type Request struct {
	RequestID string
	ModelID   string
	Prompt    string
	Sampling  client.SamplingParams
	Priority  Priority
	Timeout   time.Duration

	Phase           Phase
	CreatedAt       time.Time
	PrefillWorkerID string
	DecodeWorkerID  string
	KVCacheHandle   string
}

// Result is delivered to the submitter once a request completes.
type Result struct {
	RequestID        string `json:"request_id"`
	Text             string `json:"text"`
	TokenCount       int    `json:"token_count"`
	PromptTokens     int    `json:"prompt_tokens"`
	PrefillWorkerID  string `json:"prefill_worker_id"`
	DecodeWorkerID   string `json:"decode_worker_id"`
	TotalLatencyMs   int64  `json:"total_latency_ms"`
	PrefillLatencyMs int64  `json:"prefill_latency_ms"`
	DecodeLatencyMs  int64  `json:"decode_latency_ms"`
}

type settlement struct {
	result *Result
	err    error
}

// Pending is the one-shot handle a submitter waits on. It settles
// exactly once, with either a result or a scheduling error.
type Pending struct {
	RequestID string
	ch        chan settlement
}

func newPending(id string) *Pending {
	return &Pending{RequestID: id, ch: make(chan settlement, 1)}
}

// Wait blocks until the request settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case s := <-p.ch:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(r *Result) {
	p.ch <- settlement{result: r}
}

func (p *Pending) reject(err error) {
	p.ch <- settlement{err: err}
}
