package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/vllm-tools/pdsched/internal/logx"
)

// Job describes one KV-cache movement between two workers.
type Job struct {
	RequestID         string
	SourceEndpoint    string
	TargetEndpoint    string
	SourceCacheHandle string
}

// Result reports the outcome of a transfer. Failures are encoded here;
// Transfer never propagates an error to the caller.
type Result struct {
	Success           bool
	DurationMs        int64
	TargetCacheHandle string
	Err               error
}

// Func performs the actual cache movement and returns the handle the
// cache carries on the target worker.
type Func func(ctx context.Context, job Job) (string, error)

// Manager bounds the number of concurrent KV-cache transfers. Jobs
// beyond the limit wait in FIFO order for a free slot.
type Manager struct {
	mu      sync.Mutex
	max     int
	timeout time.Duration
	active  int
	pending deque.Deque[*waiter]
	fn      Func
}

type waiter struct {
	ready    chan struct{}
	canceled bool
}

func NewManager(maxConcurrent int, timeout time.Duration, fn Func) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{max: maxConcurrent, timeout: timeout, fn: fn}
}

// Active returns the number of transfers currently executing.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pending returns the number of queued waiters, including canceled ones
// not yet dropped from the queue by a slot release.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Transfer runs the job, waiting for a free slot if the concurrency
// limit is reached. It blocks until the transfer settles.
func (m *Manager) Transfer(ctx context.Context, job Job) Result {
	m.mu.Lock()
	if m.active < m.max {
		m.active++
		m.mu.Unlock()
	} else {
		w := &waiter{ready: make(chan struct{})}
		m.pending.PushBack(w)
		m.mu.Unlock()
		select {
		case <-w.ready:
		case <-ctx.Done():
			m.mu.Lock()
			w.canceled = true
			m.mu.Unlock()
			// The slot may have been granted between ctx.Done and
			// taking the lock; give it back if so.
			select {
			case <-w.ready:
				m.release()
			default:
			}
			return Result{Success: false, Err: ctx.Err()}
		}
	}

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, m.timeout)
	handle, err := m.fn(tctx, job)
	cancel()
	duration := time.Since(start)
	m.release()

	if err != nil {
		logx.Log.Warn().Str("request_id", job.RequestID).Str("from", job.SourceEndpoint).Str("to", job.TargetEndpoint).Err(err).Msg("kv transfer failed")
		return Result{Success: false, DurationMs: duration.Milliseconds(), Err: err}
	}
	return Result{Success: true, DurationMs: duration.Milliseconds(), TargetCacheHandle: handle}
}

// release frees one slot and hands it to the oldest pending waiter.
func (m *Manager) release() {
	m.mu.Lock()
	m.active--
	for m.active < m.max && m.pending.Len() > 0 {
		w := m.pending.PopFront()
		if w.canceled {
			continue
		}
		m.active++
		close(w.ready)
	}
	m.mu.Unlock()
}
