package serverstate

import (
	"sync"
	"sync/atomic"

	"github.com/vllm-tools/pdsched/internal/health"
)

// State is the externally visible process state: a coarse status plus
// the latest scheduler snapshot.
type State struct {
	Status   string                  `json:"status"`
	Snapshot health.SchedulerMetrics `json:"snapshot"`
}

// Store persists the state somewhere observable from outside the
// process.
type Store interface {
	Load() State
	Store(State)
}

var (
	status   atomic.Value
	draining atomic.Bool

	mu    sync.Mutex
	store Store
)

func init() {
	status.Store("not_ready")
}

// SetStatus sets the process status string.
func SetStatus(s string) {
	status.Store(s)
}

// GetStatus returns the current process status.
func GetStatus() string {
	if v, ok := status.Load().(string); ok {
		return v
	}
	return "unknown"
}

// StartDrain marks the process as draining.
func StartDrain() {
	draining.Store(true)
	SetStatus("draining")
}

// IsDraining reports whether draining is in progress.
func IsDraining() bool {
	return draining.Load()
}

// UseStore installs a backing store for published state.
func UseStore(s Store) {
	mu.Lock()
	store = s
	mu.Unlock()
}

// Publish writes the current status and the given snapshot to the
// configured store, if any.
func Publish(snapshot health.SchedulerMetrics) {
	mu.Lock()
	s := store
	mu.Unlock()
	if s == nil {
		return
	}
	s.Store(State{Status: GetStatus(), Snapshot: snapshot})
}
