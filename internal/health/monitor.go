package health

import (
	"context"
	"sync"
	"time"

	"github.com/vllm-tools/pdsched/internal/client"
	"github.com/vllm-tools/pdsched/internal/logx"
	"github.com/vllm-tools/pdsched/internal/pool"
)

// eventLogSize bounds the in-memory lifecycle log.
const eventLogSize = 1000

// DefaultRecentLimit is applied when Recent is called with a
// non-positive limit.
const DefaultRecentLimit = 50

// subscriberBuffer bounds each event-stream subscriber channel. A slow
// consumer drops events rather than stalling the pipeline.
const subscriberBuffer = 64

// WorkerMetrics is the per-worker slice of a metrics snapshot.
type WorkerMetrics struct {
	ID             string  `json:"id"`
	Role           string  `json:"role"`
	Status         string  `json:"status"`
	GPUUtilization float64 `json:"gpu_utilization"`
	ActiveRequests int     `json:"active_requests"`
}

// SchedulerMetrics is a point-in-time snapshot of the scheduler.
type SchedulerMetrics struct {
	QueueDepth          int             `json:"queue_depth"`
	ActivePrefills      int             `json:"active_prefills"`
	ActiveTransfers     int             `json:"active_transfers"`
	ActiveDecodes       int             `json:"active_decodes"`
	TotalCompleted      uint64          `json:"total_completed"`
	TotalFailed         uint64          `json:"total_failed"`
	AvgLatencyMs        int64           `json:"avg_latency_ms"`
	AvgPrefillLatencyMs int64           `json:"avg_prefill_latency_ms"`
	AvgDecodeLatencyMs  int64           `json:"avg_decode_latency_ms"`
	Workers             []WorkerMetrics `json:"workers"`
}

// Extra carries the scheduler-owned counters into a snapshot.
type Extra struct {
	QueueDepth      int
	ActivePrefills  int
	ActiveTransfers int
	ActiveDecodes   int
}

// Monitor owns the completion counters, the rolling latency windows,
// the lifecycle event log, and the periodic worker health probes.
type Monitor struct {
	mu        sync.Mutex
	completed uint64
	failed    uint64
	total     window
	prefill   window
	decode    window
	events    []Event
	observer  func(Event)
	subs      map[chan Event]struct{}

	pool          *pool.Pool
	client        client.WorkerClient
	workerTimeout time.Duration
}

func NewMonitor(p *pool.Pool, cl client.WorkerClient, workerTimeout time.Duration) *Monitor {
	return &Monitor{
		pool:          p,
		client:        cl,
		workerTimeout: workerTimeout,
		subs:          make(map[chan Event]struct{}),
	}
}

// SetObserver registers a callback invoked synchronously on every
// emitted event.
func (m *Monitor) SetObserver(fn func(Event)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Emit appends an event to the bounded log, notifies the observer, and
// fans out to stream subscribers without blocking.
func (m *Monitor) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.mu.Lock()
	if len(m.events) >= eventLogSize {
		m.events = m.events[1:]
	}
	m.events = append(m.events, ev)
	observer := m.observer
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	m.mu.Unlock()
	if observer != nil {
		observer(ev)
	}
}

// Recent returns the newest limit events, oldest first.
func (m *Monitor) Recent(limit int) []Event {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events)
	if limit > n {
		limit = n
	}
	res := make([]Event, limit)
	copy(res, m.events[n-limit:])
	return res
}

// Subscribe returns a channel receiving future events. Events are
// dropped for subscribers that fall behind.
func (m *Monitor) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Monitor) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()
}

// RecordCompleted increments the completion counter.
func (m *Monitor) RecordCompleted() {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

// RecordFailed increments the failure counter.
func (m *Monitor) RecordFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

// Observe records one request's per-phase latencies in the rolling
// windows.
func (m *Monitor) Observe(total, prefill, decode time.Duration) {
	m.mu.Lock()
	m.total.add(total.Milliseconds())
	m.prefill.add(prefill.Milliseconds())
	m.decode.add(decode.Milliseconds())
	m.mu.Unlock()
}

// Snapshot merges the monitor's counters and windows with the
// scheduler-owned extra counters and the current worker slice.
func (m *Monitor) Snapshot(extra Extra) SchedulerMetrics {
	workers := m.pool.List()
	m.mu.Lock()
	snap := SchedulerMetrics{
		QueueDepth:          extra.QueueDepth,
		ActivePrefills:      extra.ActivePrefills,
		ActiveTransfers:     extra.ActiveTransfers,
		ActiveDecodes:       extra.ActiveDecodes,
		TotalCompleted:      m.completed,
		TotalFailed:         m.failed,
		AvgLatencyMs:        m.total.avg(),
		AvgPrefillLatencyMs: m.prefill.avg(),
		AvgDecodeLatencyMs:  m.decode.avg(),
	}
	m.mu.Unlock()
	snap.Workers = make([]WorkerMetrics, 0, len(workers))
	for _, w := range workers {
		snap.Workers = append(snap.Workers, WorkerMetrics{
			ID:             w.ID,
			Role:           string(w.Role),
			Status:         string(w.Status),
			GPUUtilization: w.GPUUtilization,
			ActiveRequests: w.ActiveRequests,
		})
	}
	return snap
}

// RunProbes performs one health tick: probe every worker concurrently,
// patch the pool with the results, then expire stale workers. A failed
// probe marks the worker offline.
func (m *Monitor) RunProbes(ctx context.Context) {
	workers := m.pool.List()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w pool.Worker) {
			defer wg.Done()
			m.probe(ctx, w)
		}(w)
	}
	wg.Wait()

	for _, id := range m.pool.ExpireStale(m.workerTimeout) {
		logx.Log.Warn().Str("worker_id", id).Msg("worker expired after missed health checks")
		m.Emit(Event{Kind: EventWorkerOffline, WorkerID: id})
	}
}

func (m *Monitor) probe(ctx context.Context, w pool.Worker) {
	hs := m.client.Health(ctx, w)
	if !hs.Healthy {
		if m.pool.MarkOffline(w.ID) {
			logx.Log.Warn().Str("worker_id", w.ID).Str("err", hs.Err).Msg("health probe failed")
			m.Emit(Event{Kind: EventWorkerOffline, WorkerID: w.ID})
		}
		return
	}
	status := pool.StatusIdle
	if hs.ActiveRequests >= w.MaxConcurrency {
		status = pool.StatusBusy
	}
	patch := pool.Patch{
		GPUUtilization: &hs.GPUUtilization,
		ActiveRequests: &hs.ActiveRequests,
	}
	// A successful probe clears offline but must not undo an
	// operator-driven drain.
	if w.Status != pool.StatusDraining {
		patch.Status = &status
	}
	m.pool.UpdateMetrics(w.ID, patch)
}
