package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vllm-tools/pdsched/internal/client"
	"github.com/vllm-tools/pdsched/internal/pool"
)

type stubClient struct {
	health func(w pool.Worker) client.HealthStatus
}

func (s *stubClient) Prefill(ctx context.Context, w pool.Worker, requestID, prompt, modelID string) (client.PrefillResult, error) {
	return client.PrefillResult{}, nil
}

func (s *stubClient) Decode(ctx context.Context, w pool.Worker, requestID, kvCacheHandle, modelID string, sp client.SamplingParams) (client.DecodeResult, error) {
	return client.DecodeResult{}, nil
}

func (s *stubClient) Health(ctx context.Context, w pool.Worker) client.HealthStatus {
	return s.health(w)
}

func TestWindowAverage(t *testing.T) {
	var w window
	if w.avg() != 0 {
		t.Fatalf("empty window must average 0")
	}
	w.add(10)
	w.add(11)
	if got := w.avg(); got != 11 {
		t.Fatalf("expected 10.5 to round to 11, got %d", got)
	}
	for i := 0; i < windowSize; i++ {
		w.add(100)
	}
	if len(w.samples) != windowSize {
		t.Fatalf("window exceeded capacity: %d", len(w.samples))
	}
	if got := w.avg(); got != 100 {
		t.Fatalf("old samples must fall out, got %d", got)
	}
}

func TestEventLogBounded(t *testing.T) {
	m := NewMonitor(pool.New(), &stubClient{}, time.Minute)
	for i := 0; i < eventLogSize+10; i++ {
		m.Emit(Event{Kind: EventRequestQueued, RequestID: fmt.Sprintf("r%d", i)})
	}
	all := m.Recent(eventLogSize * 2)
	if len(all) != eventLogSize {
		t.Fatalf("expected log capped at %d, got %d", eventLogSize, len(all))
	}
	if all[len(all)-1].RequestID != fmt.Sprintf("r%d", eventLogSize+9) {
		t.Fatalf("expected newest event last, got %s", all[len(all)-1].RequestID)
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	m := NewMonitor(pool.New(), &stubClient{}, time.Minute)
	for i := 0; i < 80; i++ {
		m.Emit(Event{Kind: EventRequestQueued})
	}
	if got := len(m.Recent(0)); got != DefaultRecentLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultRecentLimit, got)
	}
}

func TestObserverAndSubscribers(t *testing.T) {
	m := NewMonitor(pool.New(), &stubClient{}, time.Minute)
	var observed []EventKind
	m.SetObserver(func(ev Event) { observed = append(observed, ev.Kind) })
	ch := m.Subscribe()
	m.Emit(Event{Kind: EventWorkerOnline, WorkerID: "w"})
	if len(observed) != 1 || observed[0] != EventWorkerOnline {
		t.Fatalf("observer not invoked: %v", observed)
	}
	select {
	case ev := <-ch:
		if ev.WorkerID != "w" {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("subscriber did not receive event")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel must be closed after unsubscribe")
	}
}

func TestProbesPatchPool(t *testing.T) {
	p := pool.New()
	p.Register(pool.Seed{ID: "p1", Endpoint: "http://p1", Role: pool.RolePrefill, MaxConcurrency: 2})
	cl := &stubClient{health: func(w pool.Worker) client.HealthStatus {
		return client.HealthStatus{Healthy: true, GPUUtilization: 0.4, ActiveRequests: 2}
	}}
	m := NewMonitor(p, cl, time.Minute)
	m.RunProbes(context.Background())

	w, _ := p.Get("p1")
	if w.GPUUtilization != 0.4 || w.ActiveRequests != 2 {
		t.Fatalf("probe metrics not applied: %+v", w)
	}
	if w.Status != pool.StatusBusy {
		t.Fatalf("worker at capacity must be busy, got %s", w.Status)
	}
}

func TestProbeFailureMarksOfflineOnce(t *testing.T) {
	p := pool.New()
	p.Register(pool.Seed{ID: "p1", Endpoint: "http://p1", Role: pool.RolePrefill})
	cl := &stubClient{health: func(w pool.Worker) client.HealthStatus {
		return client.HealthStatus{Healthy: false, Err: "boom"}
	}}
	m := NewMonitor(p, cl, time.Minute)
	m.RunProbes(context.Background())
	m.RunProbes(context.Background())

	if w, _ := p.Get("p1"); w.Status != pool.StatusOffline {
		t.Fatalf("expected offline, got %s", w.Status)
	}
	if got := p.Available(pool.RolePrefill); len(got) != 0 {
		t.Fatalf("offline worker must not be available")
	}
	offline := 0
	for _, ev := range m.Recent(10) {
		if ev.Kind == EventWorkerOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("expected a single worker_offline event, got %d", offline)
	}
}

func TestSuccessfulProbeClearsOffline(t *testing.T) {
	p := pool.New()
	p.Register(pool.Seed{ID: "p1", Endpoint: "http://p1", Role: pool.RolePrefill})
	p.MarkOffline("p1")
	cl := &stubClient{health: func(w pool.Worker) client.HealthStatus {
		return client.HealthStatus{Healthy: true}
	}}
	m := NewMonitor(p, cl, time.Minute)
	m.RunProbes(context.Background())
	if w, _ := p.Get("p1"); w.Status != pool.StatusIdle {
		t.Fatalf("successful probe must clear offline, got %s", w.Status)
	}
}

func TestProbeDoesNotUndoDrain(t *testing.T) {
	p := pool.New()
	p.Register(pool.Seed{ID: "p1", Endpoint: "http://p1", Role: pool.RolePrefill})
	p.Drain("p1")
	cl := &stubClient{health: func(w pool.Worker) client.HealthStatus {
		return client.HealthStatus{Healthy: true}
	}}
	m := NewMonitor(p, cl, time.Minute)
	m.RunProbes(context.Background())
	if w, _ := p.Get("p1"); w.Status != pool.StatusDraining {
		t.Fatalf("probe must not undo drain, got %s", w.Status)
	}
}

func TestSnapshot(t *testing.T) {
	p := pool.New()
	p.Register(pool.Seed{ID: "p1", Endpoint: "http://p1", Role: pool.RolePrefill})
	m := NewMonitor(p, &stubClient{}, time.Minute)
	m.RecordCompleted()
	m.RecordFailed()
	m.Observe(30*time.Millisecond, 10*time.Millisecond, 20*time.Millisecond)

	snap := m.Snapshot(Extra{QueueDepth: 3, ActivePrefills: 1})
	if snap.TotalCompleted != 1 || snap.TotalFailed != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.AvgLatencyMs != 30 || snap.AvgPrefillLatencyMs != 10 || snap.AvgDecodeLatencyMs != 20 {
		t.Fatalf("unexpected averages: %+v", snap)
	}
	if snap.QueueDepth != 3 || snap.ActivePrefills != 1 {
		t.Fatalf("extra counters not merged: %+v", snap)
	}
	if len(snap.Workers) != 1 || snap.Workers[0].ID != "p1" {
		t.Fatalf("worker slice missing: %+v", snap.Workers)
	}
}
