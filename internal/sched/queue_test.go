package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// reserveGate lets a test hold the dispatcher back and release it later.
type reserveGate struct{ open atomic.Bool }

func (g *reserveGate) tryReserve(model, holder string) bool { return g.open.Load() }

// Entries with priorities low, high, low are served high first, then the two
// lows in enqueue order.
func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueueManager(10, nil, zerolog.Nop())
	gate := &reserveGate{}
	freed := make(chan struct{}, 1)

	var mu sync.Mutex
	var order []string
	process := func(ctx context.Context, e *QueueEntry) (*types.GenerateResponse, error) {
		mu.Lock()
		order = append(order, e.Request.Prompt)
		mu.Unlock()
		return &types.GenerateResponse{}, nil
	}
	q.Start(testCtx(t), freed, gate.tryReserve, process)

	model := types.Model{Name: "m", Category: types.CategorySmall, MaxConcurrent: 1}
	ids := make([]string, 0, 3)
	for _, e := range []struct {
		prompt string
		prio   types.Priority
	}{
		{"low-1", types.PriorityLow},
		{"high", types.PriorityHigh},
		{"low-2", types.PriorityLow},
	} {
		id, err := q.Enqueue(model, types.TierSimple, e.prio, 0, types.GenerateRequest{Prompt: e.prompt}, KindInvoke)
		if err != nil {
			t.Fatalf("enqueue %s: %v", e.prompt, err)
		}
		ids = append(ids, id)
	}

	gate.open.Store(true)
	freed <- struct{}{}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := q.WaitResult(testCtx(t), id, 2*time.Second); err != nil {
				t.Errorf("wait %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "low-1", "low-2"}
	if len(order) != len(want) {
		t.Fatalf("served %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("served %v, want %v", order, want)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueueManager(2, nil, zerolog.Nop())
	gate := &reserveGate{} // closed: nothing drains
	q.Start(testCtx(t), make(chan struct{}), gate.tryReserve, func(context.Context, *QueueEntry) (*types.GenerateResponse, error) {
		return nil, nil
	})

	model := types.Model{Name: "m", Category: types.CategorySmall}
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(model, types.TierSimple, types.PriorityNormal, 0, types.GenerateRequest{}, KindInvoke); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := q.Enqueue(model, types.TierSimple, types.PriorityNormal, 0, types.GenerateRequest{}, KindInvoke)
	if !IsQueueFull(err) {
		t.Fatalf("err = %v, want queue full", err)
	}
}

// A timed-out entry is withdrawn from the pending set and never processed.
func TestQueueTimeoutWithdrawsEntry(t *testing.T) {
	q := NewQueueManager(10, nil, zerolog.Nop())
	gate := &reserveGate{}
	var processed atomic.Int32
	q.Start(testCtx(t), make(chan struct{}), gate.tryReserve, func(context.Context, *QueueEntry) (*types.GenerateResponse, error) {
		processed.Add(1)
		return nil, nil
	})

	model := types.Model{Name: "m", Category: types.CategorySmall}
	id, err := q.Enqueue(model, types.TierSimple, types.PriorityNormal, 0, types.GenerateRequest{}, KindInvoke)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.WaitResult(testCtx(t), id, 50*time.Millisecond); !IsQueueTimeout(err) {
		t.Fatalf("err = %v, want queue timeout", err)
	}
	if q.Snapshot().Depth != 0 {
		t.Errorf("depth = %d after timeout, want 0", q.Snapshot().Depth)
	}
	if q.Snapshot().TimeoutsTotal != 1 {
		t.Errorf("timeouts = %d, want 1", q.Snapshot().TimeoutsTotal)
	}
	if processed.Load() != 0 {
		t.Error("withdrawn entry was processed")
	}
}

func TestQueueCancellation(t *testing.T) {
	q := NewQueueManager(10, nil, zerolog.Nop())
	gate := &reserveGate{}
	q.Start(testCtx(t), make(chan struct{}), gate.tryReserve, func(context.Context, *QueueEntry) (*types.GenerateResponse, error) {
		return nil, nil
	})

	model := types.Model{Name: "m", Category: types.CategorySmall}
	id, err := q.Enqueue(model, types.TierSimple, types.PriorityNormal, 0, types.GenerateRequest{}, KindInvoke)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := q.WaitResult(ctx, id, time.Second); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// Entries whose model cannot get a slot stay pending while others drain.
func TestQueueSkipsSaturatedModel(t *testing.T) {
	q := NewQueueManager(10, nil, zerolog.Nop())
	freed := make(chan struct{}, 1)
	tryReserve := func(model, holder string) bool { return model == "free" }
	q.Start(testCtx(t), freed, tryReserve, func(ctx context.Context, e *QueueEntry) (*types.GenerateResponse, error) {
		return &types.GenerateResponse{Response: e.Model.Name}, nil
	})

	busyID, err := q.Enqueue(types.Model{Name: "busy"}, types.TierSimple, types.PriorityHigh, 0, types.GenerateRequest{}, KindInvoke)
	if err != nil {
		t.Fatalf("enqueue busy: %v", err)
	}
	freeID, err := q.Enqueue(types.Model{Name: "free"}, types.TierSimple, types.PriorityLow, 0, types.GenerateRequest{}, KindInvoke)
	if err != nil {
		t.Fatalf("enqueue free: %v", err)
	}

	resp, err := q.WaitResult(testCtx(t), freeID, time.Second)
	if err != nil {
		t.Fatalf("free entry: %v", err)
	}
	if resp.Response != "free" {
		t.Errorf("served %q, want free", resp.Response)
	}
	if _, err := q.WaitResult(testCtx(t), busyID, 50*time.Millisecond); !IsQueueTimeout(err) {
		t.Fatalf("busy entry err = %v, want queue timeout", err)
	}
}
