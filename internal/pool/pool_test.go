package pool

import (
	"testing"
	"time"
)

func seed(id string, role Role) Seed {
	return Seed{ID: id, Endpoint: "http://" + id, Role: role, ModelID: "m"}
}

func TestRegisterDefaultsAndIdempotence(t *testing.T) {
	p := New()
	w := p.Register(seed("p1", RolePrefill))
	if w.MaxConcurrency != DefaultMaxConcurrency {
		t.Fatalf("expected default max concurrency, got %d", w.MaxConcurrency)
	}
	if w.Status != StatusIdle || w.ActiveRequests != 0 {
		t.Fatalf("unexpected initial state: %+v", w)
	}

	p.IncrementActive("p1")
	util := 0.7
	p.UpdateMetrics("p1", Patch{GPUUtilization: &util})

	again := p.Register(Seed{ID: "p1", Endpoint: "http://p1-new", Role: RolePrefill, ModelID: "m2", MaxConcurrency: 4})
	if again.ActiveRequests != 1 || again.GPUUtilization != 0.7 {
		t.Fatalf("re-register must preserve runtime state, got %+v", again)
	}
	if again.Endpoint != "http://p1-new" || again.ModelID != "m2" || again.MaxConcurrency != 4 {
		t.Fatalf("re-register must refresh descriptor fields, got %+v", again)
	}
}

func TestRegisterClearsOffline(t *testing.T) {
	p := New()
	p.Register(seed("p1", RolePrefill))
	if !p.MarkOffline("p1") {
		t.Fatalf("expected mark offline to succeed")
	}
	w := p.Register(seed("p1", RolePrefill))
	if w.Status != StatusIdle {
		t.Fatalf("re-registration should clear offline, got %s", w.Status)
	}
}

func TestOnlineHook(t *testing.T) {
	p := New()
	var events []string
	p.SetOnlineHook(func(id string, role Role) { events = append(events, id+"/"+string(role)) })
	p.Register(seed("p1", RolePrefill))
	p.Register(seed("p1", RolePrefill)) // refresh, not a transition
	if len(events) != 1 || events[0] != "p1/prefill" {
		t.Fatalf("unexpected online events: %v", events)
	}
}

func TestAvailableExcludesDrainingOfflineAndFull(t *testing.T) {
	p := New()
	p.Register(seed("a", RolePrefill))
	p.Register(seed("b", RolePrefill))
	p.Register(Seed{ID: "c", Endpoint: "http://c", Role: RolePrefill, MaxConcurrency: 1})
	p.Register(seed("d", RoleDecode))

	p.Drain("a")
	p.MarkOffline("b")
	p.IncrementActive("c")

	if got := p.Available(RolePrefill); len(got) != 0 {
		t.Fatalf("expected no available prefill workers, got %d", len(got))
	}
	if got := p.Available(RoleDecode); len(got) != 1 || got[0].ID != "d" {
		t.Fatalf("expected only d available for decode")
	}
}

func TestRoundRobinVisitsEachOnce(t *testing.T) {
	p := New()
	for _, id := range []string{"a", "b", "c"} {
		p.Register(seed(id, RolePrefill))
	}
	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		w, ok := p.Select(RolePrefill, StrategyRoundRobin)
		if !ok {
			t.Fatalf("expected a worker on call %d", i)
		}
		seen[w.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 1 {
			t.Fatalf("round-robin should visit each worker once per sweep, got %v", seen)
		}
	}
}

func TestRoundRobinAdvancesWithoutCandidates(t *testing.T) {
	p := New()
	if _, ok := p.Select(RolePrefill, StrategyRoundRobin); ok {
		t.Fatalf("expected no worker")
	}
	p.Register(seed("a", RolePrefill))
	p.Register(seed("b", RolePrefill))
	// The empty call above consumed index 0.
	w, _ := p.Select(RolePrefill, StrategyRoundRobin)
	if w.ID != "b" {
		t.Fatalf("counter must advance on every call, got %s", w.ID)
	}
}

func TestLeastLoaded(t *testing.T) {
	p := New()
	p.Register(seed("a", RolePrefill))
	p.Register(seed("b", RolePrefill))
	p.IncrementActive("a")
	w, ok := p.Select(RolePrefill, StrategyLeastLoaded)
	if !ok || w.ID != "b" {
		t.Fatalf("expected b, got %+v", w)
	}
}

func TestLatencyAware(t *testing.T) {
	p := New()
	p.Register(seed("a", RolePrefill))
	p.Register(seed("b", RolePrefill))
	hi, lo := 0.9, 0.1
	p.UpdateMetrics("a", Patch{GPUUtilization: &hi})
	p.UpdateMetrics("b", Patch{GPUUtilization: &lo})
	w, ok := p.Select(RolePrefill, StrategyLatencyAware)
	if !ok || w.ID != "b" {
		t.Fatalf("expected b, got %+v", w)
	}
}

func TestWeightedPrefersLightWorker(t *testing.T) {
	p := New()
	p.Register(seed("a", RolePrefill))
	p.Register(seed("b", RolePrefill))
	for i := 0; i < 5; i++ {
		p.IncrementActive("a")
	}
	w, ok := p.Select(RolePrefill, StrategyWeighted)
	if !ok || w.ID != "b" {
		t.Fatalf("expected b, got %+v", w)
	}
}

func TestUnknownStrategyFallsBack(t *testing.T) {
	p := New()
	p.Register(seed("a", RolePrefill))
	p.Register(seed("b", RolePrefill))
	w, ok := p.Select(RolePrefill, Strategy("mystery"))
	if !ok || w.ID != "a" {
		t.Fatalf("expected first candidate, got %+v", w)
	}
}

func TestActiveAccounting(t *testing.T) {
	p := New()
	p.Register(Seed{ID: "a", Endpoint: "http://a", Role: RolePrefill, MaxConcurrency: 2})

	p.DecrementActive("a")
	if w, _ := p.Get("a"); w.ActiveRequests != 0 {
		t.Fatalf("decrement must clamp at zero")
	}

	p.IncrementActive("a")
	p.IncrementActive("a")
	w, _ := p.Get("a")
	if w.ActiveRequests != 2 || w.Status != StatusBusy {
		t.Fatalf("expected busy at full concurrency, got %+v", w)
	}

	// Extra increments must not exceed the cap.
	p.IncrementActive("a")
	if w, _ := p.Get("a"); w.ActiveRequests != 2 {
		t.Fatalf("active requests exceeded max concurrency: %+v", w)
	}

	p.DecrementActive("a")
	if w, _ := p.Get("a"); w.Status != StatusIdle || w.ActiveRequests != 1 {
		t.Fatalf("expected idle after dropping below cap, got %+v", w)
	}
}

func TestDecrementDoesNotOverrideOffline(t *testing.T) {
	p := New()
	p.Register(Seed{ID: "a", Endpoint: "http://a", Role: RolePrefill, MaxConcurrency: 1})
	p.IncrementActive("a")
	p.MarkOffline("a")
	p.DecrementActive("a")
	if w, _ := p.Get("a"); w.Status != StatusOffline {
		t.Fatalf("decrement must not clear offline, got %s", w.Status)
	}
}

func TestExpireStale(t *testing.T) {
	p := New()
	p.Register(seed("fresh", RolePrefill))
	p.Register(seed("stale", RolePrefill))
	p.mu.Lock()
	p.workers["stale"].LastHealthCheck = time.Now().Add(-time.Minute)
	p.mu.Unlock()

	expired := p.ExpireStale(30 * time.Second)
	if len(expired) != 1 || expired[0] != "stale" {
		t.Fatalf("expected only stale to expire, got %v", expired)
	}
	if w, _ := p.Get("stale"); w.Status != StatusOffline {
		t.Fatalf("expired worker must be offline")
	}
	// Already-offline workers are not reported again.
	if expired := p.ExpireStale(30 * time.Second); len(expired) != 0 {
		t.Fatalf("expected no repeat expiry, got %v", expired)
	}
	if w, _ := p.Get("fresh"); w.Status != StatusIdle {
		t.Fatalf("fresh worker must stay idle")
	}
}

func TestRemove(t *testing.T) {
	p := New()
	p.Register(seed("a", RolePrefill))
	if !p.Remove("a") {
		t.Fatalf("expected remove to succeed")
	}
	if p.Remove("a") {
		t.Fatalf("expected second remove to fail")
	}
	if len(p.List()) != 0 {
		t.Fatalf("expected empty pool")
	}
}
