package pool

import (
	"sync"
	"time"

	"github.com/vllm-tools/pdsched/internal/logx"
)

// Role of a worker in PD disaggregation.
type Role string

const (
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
)

// Status of a worker as seen by the scheduler.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusDraining Status = "draining"
	StatusOffline  Status = "offline"
)

// Strategy selects one worker among the available candidates.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastLoaded  Strategy = "least-loaded"
	StrategyLatencyAware Strategy = "latency-aware"
	StrategyWeighted     Strategy = "weighted"
)

// DefaultMaxConcurrency is applied when a seed does not set one.
const DefaultMaxConcurrency = 32

// Seed describes a worker at registration time.
type Seed struct {
	ID             string
	Endpoint       string
	Role           Role
	ModelID        string
	MaxConcurrency int
}

// Worker is the pool's view of a single remote worker.
type Worker struct {
	ID              string
	Endpoint        string
	Role            Role
	Status          Status
	GPUUtilization  float64
	ActiveRequests  int
	MaxConcurrency  int
	LastHealthCheck time.Time
	ModelID         string
}

// Patch carries partial metric updates from a health probe.
// Nil fields are left untouched.
type Patch struct {
	GPUUtilization *float64
	ActiveRequests *int
	Status         *Status
}

// Weights parameterizes the weighted selection strategy.
type Weights struct {
	Load        float64
	Utilization float64
	Staleness   float64
}

// DefaultWeights mirror the historical weighted-strategy tuning.
func DefaultWeights() Weights {
	return Weights{Load: 0.5, Utilization: 0.3, Staleness: 0.2}
}

// Pool is the registry of workers. It is the only mutator of worker
// state; all methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*Worker
	order   []string
	rr      map[Role]int
	weights Weights

	// onOnline is invoked outside the pool lock when a worker enters
	// service (new registration or offline cleared by re-registration).
	onOnline func(id string, role Role)
}

func New() *Pool {
	return &Pool{
		workers: make(map[string]*Worker),
		rr:      make(map[Role]int),
		weights: DefaultWeights(),
	}
}

// SetWeights replaces the weighted-strategy tuning.
func (p *Pool) SetWeights(w Weights) {
	p.mu.Lock()
	p.weights = w
	p.mu.Unlock()
}

// SetOnlineHook registers a callback fired when a worker comes online.
func (p *Pool) SetOnlineHook(fn func(id string, role Role)) {
	p.mu.Lock()
	p.onOnline = fn
	p.mu.Unlock()
}

// Register adds a worker or refreshes an existing one. Runtime state
// (status, utilization, active count) survives re-registration, except
// that a re-registered offline worker returns to idle.
func (p *Pool) Register(seed Seed) Worker {
	maxConc := seed.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}
	now := time.Now()

	p.mu.Lock()
	w, ok := p.workers[seed.ID]
	cameOnline := false
	if ok {
		if w.Status == StatusOffline {
			w.Status = StatusIdle
			cameOnline = true
		}
	} else {
		w = &Worker{
			ID:     seed.ID,
			Status: StatusIdle,
		}
		p.workers[seed.ID] = w
		p.order = append(p.order, seed.ID)
		cameOnline = true
	}
	w.Endpoint = seed.Endpoint
	w.Role = seed.Role
	w.ModelID = seed.ModelID
	w.MaxConcurrency = maxConc
	w.LastHealthCheck = now
	snap := *w
	hook := p.onOnline
	p.mu.Unlock()

	if cameOnline && hook != nil {
		hook(snap.ID, snap.Role)
	}
	logx.Log.Info().Str("worker_id", snap.ID).Str("role", string(snap.Role)).Str("endpoint", snap.Endpoint).Msg("worker registered")
	return snap
}

// Remove deletes a worker from the pool.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[id]; !ok {
		return false
	}
	delete(p.workers, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the worker with the given id.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// List returns copies of all workers, optionally filtered by role,
// in registration order.
func (p *Pool) List(roles ...Role) []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]Worker, 0, len(p.order))
	for _, id := range p.order {
		w := p.workers[id]
		if len(roles) > 0 && !hasRole(roles, w.Role) {
			continue
		}
		res = append(res, *w)
	}
	return res
}

func hasRole(roles []Role, r Role) bool {
	for _, it := range roles {
		if it == r {
			return true
		}
	}
	return false
}

// Available returns copies of the workers that can accept a new
// request: idle or busy status with spare concurrency. Draining and
// offline workers are excluded.
func (p *Pool) Available(role Role) []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(role)
}

func (p *Pool) availableLocked(role Role) []Worker {
	var res []Worker
	for _, id := range p.order {
		w := p.workers[id]
		if w.Role != role {
			continue
		}
		if w.Status != StatusIdle && w.Status != StatusBusy {
			continue
		}
		if w.ActiveRequests >= w.MaxConcurrency {
			continue
		}
		res = append(res, *w)
	}
	return res
}

// Select picks one available worker of the given role using the given
// strategy. The round-robin counter advances on every call, even when
// no candidate is available.
func (p *Pool) Select(role Role, strategy Strategy) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candidates := p.availableLocked(role)

	switch strategy {
	case StrategyRoundRobin:
		idx := p.rr[role]
		p.rr[role] = idx + 1
		if len(candidates) == 0 {
			return Worker{}, false
		}
		return candidates[idx%len(candidates)], true
	case StrategyLeastLoaded:
		return argmin(candidates, func(w Worker) float64 { return float64(w.ActiveRequests) })
	case StrategyLatencyAware:
		// GPU utilization is the available latency proxy.
		return argmin(candidates, func(w Worker) float64 { return w.GPUUtilization })
	case StrategyWeighted:
		weights := p.weights
		now := time.Now()
		return argmin(candidates, func(w Worker) float64 {
			staleness := now.Sub(w.LastHealthCheck).Seconds()
			return weights.Load*float64(w.ActiveRequests) + weights.Utilization*w.GPUUtilization + weights.Staleness*staleness
		})
	default:
		if len(candidates) == 0 {
			return Worker{}, false
		}
		return candidates[0], true
	}
}

func argmin(candidates []Worker, score func(Worker) float64) (Worker, bool) {
	if len(candidates) == 0 {
		return Worker{}, false
	}
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s < bestScore {
			best = c
			bestScore = s
		}
	}
	return best, true
}

// IncrementActive records a request assignment. Reaching full
// concurrency flips an idle worker to busy.
func (p *Pool) IncrementActive(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return
	}
	if w.ActiveRequests < w.MaxConcurrency {
		w.ActiveRequests++
	}
	if w.ActiveRequests >= w.MaxConcurrency && w.Status == StatusIdle {
		w.Status = StatusBusy
	}
}

// DecrementActive records a request completion, clamping at zero.
// Dropping below full concurrency returns a busy worker to idle;
// offline and draining are left alone.
func (p *Pool) DecrementActive(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return
	}
	if w.ActiveRequests > 0 {
		w.ActiveRequests--
	}
	if w.ActiveRequests < w.MaxConcurrency && w.Status == StatusBusy {
		w.Status = StatusIdle
	}
}

// UpdateMetrics applies a health-probe patch and refreshes the
// last-health-check timestamp.
func (p *Pool) UpdateMetrics(id string, patch Patch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return
	}
	if patch.GPUUtilization != nil {
		w.GPUUtilization = *patch.GPUUtilization
	}
	if patch.ActiveRequests != nil {
		w.ActiveRequests = *patch.ActiveRequests
	}
	if patch.Status != nil {
		w.Status = *patch.Status
	}
	w.LastHealthCheck = time.Now()
}

// MarkOffline takes a worker out of service. Returns true if the
// worker existed and was not already offline.
func (p *Pool) MarkOffline(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok || w.Status == StatusOffline {
		return false
	}
	w.Status = StatusOffline
	return true
}

// Drain marks a worker as draining: no new assignments, in-flight
// requests run to completion. Neither re-registration nor a health
// probe clears draining; only Remove followed by Register brings the
// worker back.
func (p *Pool) Drain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return false
	}
	w.Status = StatusDraining
	return true
}

// ExpireStale marks every non-offline worker whose last health check is
// older than timeout as offline and returns their ids.
func (p *Pool) ExpireStale(timeout time.Duration) []string {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []string
	for _, id := range p.order {
		w := p.workers[id]
		if w.Status == StatusOffline {
			continue
		}
		if now.Sub(w.LastHealthCheck) > timeout {
			w.Status = StatusOffline
			expired = append(expired, id)
		}
	}
	return expired
}
