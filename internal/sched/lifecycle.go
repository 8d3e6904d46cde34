package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// residency is the in-memory record of one model's weights.
type residency struct {
	model    types.Model
	state    ResidencyState
	lastUsed time.Time
	// Closed when the load completes; concurrent EnsureLoaded calls for the
	// same model wait on it instead of starting a second load.
	ready chan struct{}
	err   error
}

// LoadFunc performs the physical load of a model's weights. The default
// simulates a warmup delay; tests and real deployments inject their own.
type LoadFunc func(ctx context.Context, model types.Model) error

// LifecycleManager guarantees a model's weights are resident before use and
// evicts idle models when the memory budget is exceeded.
type LifecycleManager struct {
	mu       sync.Mutex
	resident map[string]*residency
	usedMB   int

	budgetMB int
	marginMB int
	loadFn   LoadFunc
	// activeFn reports held execution slots; eviction never targets a model
	// with a non-zero count.
	activeFn func(model string) int

	drainTimeout time.Duration

	loadsTotal     atomic.Uint64
	evictionsTotal atomic.Uint64

	publisher EventPublisher
	log       zerolog.Logger
}

func NewLifecycleManager(budgetMB, marginMB int, loadFn LoadFunc, activeFn func(string) int, pub EventPublisher, log zerolog.Logger) *LifecycleManager {
	if loadFn == nil {
		loadFn = func(ctx context.Context, _ types.Model) error {
			select {
			case <-time.After(50 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if activeFn == nil {
		activeFn = func(string) int { return 0 }
	}
	if pub == nil {
		pub = noopPublisher{}
	}
	return &LifecycleManager{
		resident:     make(map[string]*residency),
		budgetMB:     budgetMB,
		marginMB:     marginMB,
		loadFn:       loadFn,
		activeFn:     activeFn,
		drainTimeout: 5 * time.Second,
		publisher:    pub,
		log:          log.With().Str("component", "lifecycle").Logger(),
	}
}

// EnsureLoaded blocks until model's weights are resident. Concurrent calls
// for the same model coalesce into a single load. Load failures surface as a
// model-load error and leave no residual entry.
func (lm *LifecycleManager) EnsureLoaded(ctx context.Context, model types.Model) error {
	lm.mu.Lock()
	if res, ok := lm.resident[model.Name]; ok {
		switch res.state {
		case StateReady:
			res.lastUsed = time.Now()
			lm.mu.Unlock()
			return nil
		case StateLoading:
			ready := res.ready
			lm.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if res.err != nil {
				return ErrModelLoadFailure(model.Name, res.err)
			}
			return nil
		case StateDraining:
			// Fall through: re-load after the drain removes the entry. Treat
			// as a fresh load below once the entry is gone; while the drain
			// holds the entry, report load failure rather than racing it.
			lm.mu.Unlock()
			return ErrModelLoadFailure(model.Name, context.Canceled)
		}
	}

	if lm.budgetMB > 0 {
		lm.evictLocked(model.MemoryMB)
	}
	res := &residency{
		model:    model,
		state:    StateLoading,
		lastUsed: time.Now(),
		ready:    make(chan struct{}),
	}
	lm.resident[model.Name] = res
	lm.usedMB += model.MemoryMB
	lm.mu.Unlock()

	lm.publisher.Publish(Event{Name: "load_start", Model: model.Name})
	start := time.Now()
	err := lm.loadFn(ctx, model)

	lm.mu.Lock()
	if err != nil {
		res.err = err
		delete(lm.resident, model.Name)
		lm.usedMB -= model.MemoryMB
		if lm.usedMB < 0 {
			lm.usedMB = 0
		}
		close(res.ready)
		lm.mu.Unlock()
		lm.publisher.Publish(Event{Name: "load_failed", Model: model.Name, Fields: map[string]any{"error": err.Error()}})
		return ErrModelLoadFailure(model.Name, err)
	}
	res.state = StateReady
	res.lastUsed = time.Now()
	close(res.ready)
	lm.mu.Unlock()

	lm.loadsTotal.Add(1)
	modelLoadDuration.WithLabelValues(model.Name).Observe(time.Since(start).Seconds())
	lm.publisher.Publish(Event{Name: "load_done", Model: model.Name, Fields: map[string]any{"ms": time.Since(start).Milliseconds()}})
	return nil
}

// Resident reports whether model's weights are ready.
func (lm *LifecycleManager) Resident(model string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	res, ok := lm.resident[model]
	return ok && res.state == StateReady
}

// Touch refreshes a resident model's recency so eviction prefers colder ones.
func (lm *LifecycleManager) Touch(model string) {
	lm.mu.Lock()
	if res, ok := lm.resident[model]; ok {
		res.lastUsed = time.Now()
	}
	lm.mu.Unlock()
}

// OptimizeMemory evicts least-recently-used idle models until usage fits
// under budget minus margin. Returns the names of unloaded models.
func (lm *LifecycleManager) OptimizeMemory() []string {
	if lm.budgetMB <= 0 {
		return nil
	}
	lm.mu.Lock()
	evicted := lm.evictLocked(0)
	lm.mu.Unlock()
	return evicted
}

// evictLocked frees room for requiredMB. Caller holds lm.mu. Only ready
// models with zero active reservations are candidates; loads in progress and
// busy models are never evicted.
func (lm *LifecycleManager) evictLocked(requiredMB int) []string {
	var evicted []string
	for lm.usedMB+requiredMB+lm.marginMB > lm.budgetMB {
		var lru *residency
		for _, res := range lm.resident {
			if res.state != StateReady || lm.activeFn(res.model.Name) > 0 {
				continue
			}
			if lru == nil || res.lastUsed.Before(lru.lastUsed) {
				lru = res
			}
		}
		if lru == nil {
			break
		}
		delete(lm.resident, lru.model.Name)
		lm.usedMB -= lru.model.MemoryMB
		if lm.usedMB < 0 {
			lm.usedMB = 0
		}
		lm.evictionsTotal.Add(1)
		evictionsCounter.WithLabelValues(lru.model.Name).Inc()
		evicted = append(evicted, lru.model.Name)
		lm.publisher.Publish(Event{Name: "evicted", Model: lru.model.Name})
		lm.log.Info().Str("model", lru.model.Name).Int("freed_mb", lru.model.MemoryMB).Msg("evicted idle model")
	}
	return evicted
}

// Unload drains a resident model and removes it: new work is rejected while
// draining, and removal waits (bounded by drainTimeout) for active
// reservations to release.
func (lm *LifecycleManager) Unload(model string) error {
	lm.mu.Lock()
	res, ok := lm.resident[model]
	if !ok {
		lm.mu.Unlock()
		return ErrModelNotFound(model)
	}
	res.state = StateDraining
	lm.mu.Unlock()
	lm.publisher.Publish(Event{Name: "unload_start", Model: model})

	deadline := time.Now().Add(lm.drainTimeout)
	for lm.activeFn(model) > 0 {
		if time.Now().After(deadline) {
			lm.publisher.Publish(Event{Name: "unload_timeout", Model: model, Fields: map[string]any{"active": lm.activeFn(model)}})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	lm.mu.Lock()
	if cur, ok := lm.resident[model]; ok && cur == res {
		delete(lm.resident, model)
		lm.usedMB -= res.model.MemoryMB
		if lm.usedMB < 0 {
			lm.usedMB = 0
		}
	}
	lm.mu.Unlock()
	lm.publisher.Publish(Event{Name: "unload_done", Model: model})
	return nil
}

// Snapshot returns the residency view for /status.
func (lm *LifecycleManager) Snapshot() types.LifecycleStatus {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st := types.LifecycleStatus{
		BudgetMB:       lm.budgetMB,
		UsedMB:         lm.usedMB,
		MarginMB:       lm.marginMB,
		LoadsTotal:     lm.loadsTotal.Load(),
		EvictionsTotal: lm.evictionsTotal.Load(),
	}
	st.Resident = make([]types.ResidencyStatus, 0, len(lm.resident))
	for _, res := range lm.resident {
		st.Resident = append(st.Resident, types.ResidencyStatus{
			Model:        res.model.Name,
			State:        string(res.state),
			LastUsedUnix: res.lastUsed.Unix(),
			MemoryMB:     res.model.MemoryMB,
		})
	}
	return st
}
