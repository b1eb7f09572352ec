package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTransferSuccess(t *testing.T) {
	m := NewManager(2, time.Second, func(ctx context.Context, job Job) (string, error) {
		return job.SourceCacheHandle + "-imported", nil
	})
	res := m.Transfer(context.Background(), Job{RequestID: "r1", SourceCacheHandle: "h1"})
	if !res.Success || res.TargetCacheHandle != "h1-imported" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if m.Active() != 0 || m.Pending() != 0 {
		t.Fatalf("slots not released: active=%d pending=%d", m.Active(), m.Pending())
	}
}

func TestTransferFailureIsEncodedNotThrown(t *testing.T) {
	boom := errors.New("link down")
	m := NewManager(1, time.Second, func(ctx context.Context, job Job) (string, error) {
		return "", boom
	})
	res := m.Transfer(context.Background(), Job{RequestID: "r1"})
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("expected underlying error, got %v", res.Err)
	}
	if m.Active() != 0 {
		t.Fatalf("failed transfer must release its slot")
	}
}

func TestTransferTimeout(t *testing.T) {
	m := NewManager(1, 10*time.Millisecond, func(ctx context.Context, job Job) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})
	res := m.Transfer(context.Background(), Job{RequestID: "r1"})
	if res.Success {
		t.Fatalf("expected deadline failure")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.Err)
	}
}

func TestConcurrencyBoundAndFIFO(t *testing.T) {
	const jobs = 6
	var mu sync.Mutex
	var running, peak int
	var order []string

	m := NewManager(2, time.Second, func(ctx context.Context, job Job) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		order = append(order, job.RequestID)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return "h", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := m.Transfer(context.Background(), Job{RequestID: fmt.Sprintf("r%d", i)})
			if !res.Success {
				t.Errorf("transfer r%d failed: %v", i, res.Err)
			}
		}(i)
		// Stagger submissions so queue order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("concurrency bound violated: peak %d", peak)
	}
	if len(order) != jobs {
		t.Fatalf("expected %d transfers, got %d", jobs, len(order))
	}
	for i, id := range order {
		if id != fmt.Sprintf("r%d", i) {
			t.Fatalf("pending jobs ran out of order: %v", order)
		}
	}
}

func TestCanceledWhileQueued(t *testing.T) {
	block := make(chan struct{})
	m := NewManager(1, time.Second, func(ctx context.Context, job Job) (string, error) {
		<-block
		return "h", nil
	})

	done := make(chan Result, 1)
	go func() { done <- m.Transfer(context.Background(), Job{RequestID: "r1"}) }()
	// Give r1 the slot before queueing r2.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan Result, 1)
	go func() { queued <- m.Transfer(ctx, Job{RequestID: "r2"}) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	res := <-queued
	if res.Success || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation result, got %+v", res)
	}

	close(block)
	if res := <-done; !res.Success {
		t.Fatalf("running transfer should still succeed: %+v", res)
	}
	if m.Active() != 0 || m.Pending() != 0 {
		t.Fatalf("slots leaked: active=%d pending=%d", m.Active(), m.Pending())
	}
}
