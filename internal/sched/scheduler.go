package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vllm-tools/pdsched/internal/client"
	"github.com/vllm-tools/pdsched/internal/health"
	"github.com/vllm-tools/pdsched/internal/logx"
	"github.com/vllm-tools/pdsched/internal/metrics"
	"github.com/vllm-tools/pdsched/internal/pool"
	"github.com/vllm-tools/pdsched/internal/serverstate"
	"github.com/vllm-tools/pdsched/internal/transfer"
)

// DefaultDispatchInterval is the cadence of the dispatch tick.
const DefaultDispatchInterval = 50 * time.Millisecond

// Options configures a Scheduler. Zero values select the documented
// defaults.
type Options struct {
	Strategy              pool.Strategy
	MaxQueueSize          int
	DefaultRequestTimeout time.Duration
	DispatchInterval      time.Duration
	HealthCheckInterval   time.Duration
	WorkerTimeout         time.Duration
	TransferMaxConcurrent int
	TransferTimeout       time.Duration
	// TransferFunc overrides the HTTP transfer implementation; tests
	// inject simulated transfers here.
	TransferFunc transfer.Func
	// MaxQueueSizeSet distinguishes an explicit zero (reject all) from
	// an unset value (use the default).
	MaxQueueSizeSet bool
}

func (o *Options) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = pool.StrategyRoundRobin
	}
	if o.MaxQueueSize == 0 && !o.MaxQueueSizeSet {
		o.MaxQueueSize = 1000
	}
	if o.DefaultRequestTimeout == 0 {
		o.DefaultRequestTimeout = 60 * time.Second
	}
	if o.DispatchInterval == 0 {
		o.DispatchInterval = DefaultDispatchInterval
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = 10 * time.Second
	}
	if o.WorkerTimeout == 0 {
		o.WorkerTimeout = 30 * time.Second
	}
	if o.TransferMaxConcurrent == 0 {
		o.TransferMaxConcurrent = 4
	}
	if o.TransferTimeout == 0 {
		o.TransferTimeout = 15 * time.Second
	}
}

// entry pairs a request with its pending resolver. An entry lives in
// the queue until dispatch, then in the in-flight table until terminal.
type entry struct {
	req     *Request
	pending *Pending
}

// Scheduler owns the admission queue, the dispatch loop, and the
// three-phase request pipeline.
type Scheduler struct {
	opts     Options
	pool     *pool.Pool
	client   client.WorkerClient
	transfer *transfer.Manager
	monitor  *health.Monitor

	mu       sync.Mutex
	queue    []*entry
	inflight map[string]*entry
	seq      uint64
	running  bool
	stopCh   chan struct{}

	activePrefills  int
	activeTransfers int
	activeDecodes   int
}

// New builds a scheduler with its own pool, transfer manager, and
// health monitor wired to the given worker client.
func New(opts Options, cl client.WorkerClient) *Scheduler {
	opts.applyDefaults()
	p := pool.New()
	mon := health.NewMonitor(p, cl, opts.WorkerTimeout)
	p.SetOnlineHook(func(id string, role pool.Role) {
		mon.Emit(health.Event{Kind: health.EventWorkerOnline, WorkerID: id, Role: string(role)})
	})
	fn := opts.TransferFunc
	if fn == nil {
		if h, ok := cl.(*client.HTTP); ok {
			fn = h.TransferKV
		} else {
			fn = func(ctx context.Context, job transfer.Job) (string, error) {
				return job.SourceCacheHandle, nil
			}
		}
	}
	return &Scheduler{
		opts:     opts,
		pool:     p,
		client:   cl,
		transfer: transfer.NewManager(opts.TransferMaxConcurrent, opts.TransferTimeout, fn),
		monitor:  mon,
		inflight: make(map[string]*entry),
	}
}

// Pool exposes the worker pool for runtime registration.
func (s *Scheduler) Pool() *pool.Pool { return s.pool }

// Monitor exposes the health monitor for event subscriptions.
func (s *Scheduler) Monitor() *health.Monitor { return s.monitor }

// Start launches the dispatch and health tickers. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go s.loop(stop, s.opts.DispatchInterval, func() { s.dispatchOnce() })
	go s.loop(stop, s.opts.HealthCheckInterval, func() { s.healthTick() })
	logx.Log.Info().Str("strategy", string(s.opts.Strategy)).Dur("dispatch_interval", s.opts.DispatchInterval).Msg("scheduler started")
}

// Stop ends the tickers. In-flight pipelines run to completion; only
// new dispatch is suppressed. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	logx.Log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, interval time.Duration, tick func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			tick()
		}
	}
}

// Submit admits a request. It fails fast with queue_full when the
// queue is at capacity; otherwise the request receives a unique id and
// a pending handle that settles exactly once.
func (s *Scheduler) Submit(req Request) (*Pending, error) {
	s.mu.Lock()
	if len(s.queue) >= s.opts.MaxQueueSize {
		s.mu.Unlock()
		return nil, newError(KindQueueFull, fmt.Sprintf("queue is full (%d)", s.opts.MaxQueueSize), nil)
	}
	s.seq++
	req.RequestID = fmt.Sprintf("req-%06d-%s", s.seq, uuid.NewString()[:8])
	req.Phase = PhaseQueued
	req.CreatedAt = time.Now()
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if req.Timeout <= 0 {
		req.Timeout = s.opts.DefaultRequestTimeout
	}
	e := &entry{req: &req, pending: newPending(req.RequestID)}
	s.queue = append(s.queue, e)
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.SetQueueDepth(depth)
	s.monitor.Emit(health.Event{Kind: health.EventRequestQueued, RequestID: req.RequestID})
	logx.Log.Debug().Str("request_id", req.RequestID).Str("model", req.ModelID).Str("priority", string(req.Priority)).Msg("request queued")
	return e.pending, nil
}

// Metrics returns the current scheduler snapshot.
func (s *Scheduler) Metrics() health.SchedulerMetrics {
	s.mu.Lock()
	extra := health.Extra{
		QueueDepth:      len(s.queue),
		ActivePrefills:  s.activePrefills,
		ActiveTransfers: s.activeTransfers,
		ActiveDecodes:   s.activeDecodes,
	}
	s.mu.Unlock()
	return s.monitor.Snapshot(extra)
}

// Events returns the newest limit lifecycle events.
func (s *Scheduler) Events(limit int) []health.Event {
	return s.monitor.Recent(limit)
}

// healthTick probes workers, then publishes the resulting snapshot to
// the state store and the worker gauges.
func (s *Scheduler) healthTick() {
	s.monitor.RunProbes(context.Background())
	snap := s.Metrics()
	counts := make(map[[2]string]int)
	for _, w := range snap.Workers {
		counts[[2]string{w.Role, w.Status}]++
	}
	for key, n := range counts {
		metrics.SetWorkers(key[0], key[1], n)
	}
	metrics.SetTransfersActive(snap.ActiveTransfers)
	serverstate.Publish(snap)
}

// dispatchOnce runs one dispatch tick: order the queue, expire aged
// entries, and launch at most one pipeline.
func (s *Scheduler) dispatchOnce() {
	now := time.Now()

	s.mu.Lock()
	sort.SliceStable(s.queue, func(i, j int) bool {
		ri, rj := s.queue[i].req.Priority.rank(), s.queue[j].req.Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return s.queue[i].req.CreatedAt.Before(s.queue[j].req.CreatedAt)
	})
	var expired []*entry
	for i := len(s.queue) - 1; i >= 0; i-- {
		e := s.queue[i]
		if now.Sub(e.req.CreatedAt) > e.req.Timeout {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			expired = append(expired, e)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.settleFailure(e, newError(KindQueueTimeout, "request timed out while queued", nil))
	}

	w, ok := s.pool.Select(pool.RolePrefill, s.opts.Strategy)
	if !ok {
		return
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	s.inflight[e.req.RequestID] = e
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.SetQueueDepth(depth)
	go s.runPipeline(e, w)
}

// runPipeline drives one request through prefill, transfer, and decode.
func (s *Scheduler) runPipeline(e *entry, prefillWorker pool.Worker) {
	ctx := context.Background()
	req := e.req

	// Prefill.
	s.setPhase(req, PhasePrefilling)
	req.PrefillWorkerID = prefillWorker.ID
	s.pool.IncrementActive(prefillWorker.ID)
	s.addActive(&s.activePrefills, 1)
	s.monitor.Emit(health.Event{Kind: health.EventPrefillStarted, RequestID: req.RequestID, WorkerID: prefillWorker.ID})

	pr, err := s.client.Prefill(ctx, prefillWorker, req.RequestID, req.Prompt, req.ModelID)
	s.addActive(&s.activePrefills, -1)
	s.pool.DecrementActive(prefillWorker.ID)
	if err != nil {
		s.fail(req.RequestID, newError(KindPrefillFailed, "prefill failed on "+prefillWorker.ID, err))
		return
	}
	req.KVCacheHandle = pr.KVCacheHandle
	s.monitor.Emit(health.Event{Kind: health.EventPrefillCompleted, RequestID: req.RequestID, WorkerID: prefillWorker.ID, LatencyMs: pr.LatencyMs})
	metrics.ObservePhase("prefill", time.Duration(pr.LatencyMs)*time.Millisecond)

	// Transfer.
	s.setPhase(req, PhaseTransferring)
	decodeWorker, ok := s.pool.Select(pool.RoleDecode, s.opts.Strategy)
	if !ok {
		s.fail(req.RequestID, newError(KindNoDecodeWorker, "no decode worker available", nil))
		return
	}
	req.DecodeWorkerID = decodeWorker.ID
	s.monitor.Emit(health.Event{Kind: health.EventTransferStarted, RequestID: req.RequestID, From: prefillWorker.ID, To: decodeWorker.ID})
	s.addActive(&s.activeTransfers, 1)
	res := s.transfer.Transfer(ctx, transfer.Job{
		RequestID:         req.RequestID,
		SourceEndpoint:    prefillWorker.Endpoint,
		TargetEndpoint:    decodeWorker.Endpoint,
		SourceCacheHandle: pr.KVCacheHandle,
	})
	s.addActive(&s.activeTransfers, -1)
	if !res.Success {
		s.fail(req.RequestID, newError(KindTransferFailed, "kv cache transfer failed", res.Err))
		return
	}
	s.monitor.Emit(health.Event{Kind: health.EventTransferCompleted, RequestID: req.RequestID, DurationMs: res.DurationMs})
	handle := res.TargetCacheHandle
	if handle == "" {
		handle = pr.KVCacheHandle
	}

	// Decode.
	s.setPhase(req, PhaseDecoding)
	s.pool.IncrementActive(decodeWorker.ID)
	s.addActive(&s.activeDecodes, 1)
	s.monitor.Emit(health.Event{Kind: health.EventDecodeStarted, RequestID: req.RequestID, WorkerID: decodeWorker.ID})

	dr, err := s.client.Decode(ctx, decodeWorker, req.RequestID, handle, req.ModelID, req.Sampling)
	s.addActive(&s.activeDecodes, -1)
	s.pool.DecrementActive(decodeWorker.ID)
	if err != nil {
		s.fail(req.RequestID, newError(KindDecodeFailed, "decode failed on "+decodeWorker.ID, err))
		return
	}
	s.monitor.Emit(health.Event{Kind: health.EventDecodeCompleted, RequestID: req.RequestID, WorkerID: decodeWorker.ID, LatencyMs: dr.LatencyMs})
	metrics.ObservePhase("decode", time.Duration(dr.LatencyMs)*time.Millisecond)

	total := time.Since(req.CreatedAt)
	s.monitor.Emit(health.Event{Kind: health.EventRequestCompleted, RequestID: req.RequestID, TotalLatencyMs: total.Milliseconds()})
	s.monitor.RecordCompleted()
	s.monitor.Observe(total, time.Duration(pr.LatencyMs)*time.Millisecond, time.Duration(dr.LatencyMs)*time.Millisecond)
	metrics.RecordRequest("completed")
	metrics.ObservePhase("total", total)

	s.mu.Lock()
	delete(s.inflight, req.RequestID)
	req.Phase = PhaseCompleted
	s.mu.Unlock()

	e.pending.resolve(&Result{
		RequestID:        req.RequestID,
		Text:             dr.Text,
		TokenCount:       dr.CompletionTokens,
		PromptTokens:     pr.PromptTokens,
		PrefillWorkerID:  req.PrefillWorkerID,
		DecodeWorkerID:   req.DecodeWorkerID,
		TotalLatencyMs:   total.Milliseconds(),
		PrefillLatencyMs: pr.LatencyMs,
		DecodeLatencyMs:  dr.LatencyMs,
	})
	logx.Log.Info().Str("request_id", req.RequestID).Int64("total_ms", total.Milliseconds()).Msg("request completed")
}

// fail settles an in-flight request with the given error. Unknown ids
// are ignored, making fail idempotent.
func (s *Scheduler) fail(requestID string, serr *Error) {
	s.mu.Lock()
	e, ok := s.inflight[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, requestID)
	s.mu.Unlock()
	s.settleFailure(e, serr)
}

// settleFailure is the single failure sink: counter, event, terminal
// phase, rejection.
func (s *Scheduler) settleFailure(e *entry, serr *Error) {
	s.monitor.RecordFailed()
	metrics.RecordRequest("failed")
	s.monitor.Emit(health.Event{Kind: health.EventRequestFailed, RequestID: e.req.RequestID, Error: serr.Error()})
	s.mu.Lock()
	e.req.Phase = PhaseFailed
	s.mu.Unlock()
	e.pending.reject(serr)
	logx.Log.Warn().Str("request_id", e.req.RequestID).Str("kind", string(serr.Kind)).Err(serr.Err).Msg("request failed")
}

func (s *Scheduler) setPhase(req *Request, phase Phase) {
	s.mu.Lock()
	req.Phase = phase
	s.mu.Unlock()
}

func (s *Scheduler) addActive(counter *int, delta int) {
	s.mu.Lock()
	*counter += delta
	s.mu.Unlock()
}
