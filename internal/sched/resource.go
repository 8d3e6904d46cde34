package sched

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// modelSlots tracks one model's execution-slot capacity. Each model has its
// own mutex so contention on one model never blocks admission for another.
type modelSlots struct {
	mu       sync.Mutex
	capacity int
	holders  map[string]time.Time
}

// ResourceManager tracks per-model concurrent execution-slot capacity.
// Reserve is non-blocking; Release is idempotent. A freed slot is announced
// on the Freed channel so the queue dispatcher can wake.
type ResourceManager struct {
	slots map[string]*modelSlots
	freed chan struct{}
	log   zerolog.Logger
}

func NewResourceManager(catalog []types.Model, log zerolog.Logger) *ResourceManager {
	rm := &ResourceManager{
		slots: make(map[string]*modelSlots, len(catalog)),
		freed: make(chan struct{}, 1),
		log:   log.With().Str("component", "resources").Logger(),
	}
	for _, m := range catalog {
		cap := m.MaxConcurrent
		if cap <= 0 {
			cap = 1
		}
		rm.slots[m.Name] = &modelSlots{capacity: cap, holders: make(map[string]time.Time)}
	}
	return rm
}

// Reserve claims one slot for holder. Returns false immediately when the
// model is at capacity or unknown; it never waits. Reserving twice with the
// same holder is a no-op that reports success.
func (rm *ResourceManager) Reserve(model, holder string) bool {
	ms, ok := rm.slots[model]
	if !ok {
		return false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, held := ms.holders[holder]; held {
		return true
	}
	if len(ms.holders) >= ms.capacity {
		reserveRejected.WithLabelValues(model).Inc()
		return false
	}
	ms.holders[holder] = time.Now()
	activeSlots.WithLabelValues(model).Set(float64(len(ms.holders)))
	return true
}

// Release returns holder's slot. Releasing an unknown (model, holder) pair is
// a no-op. An actual release announces a freed slot to the dispatcher.
func (rm *ResourceManager) Release(model, holder string) {
	ms, ok := rm.slots[model]
	if !ok {
		return
	}
	ms.mu.Lock()
	_, held := ms.holders[holder]
	if held {
		delete(ms.holders, holder)
		activeSlots.WithLabelValues(model).Set(float64(len(ms.holders)))
	}
	ms.mu.Unlock()
	if !held {
		return
	}
	rm.log.Debug().Str("model", model).Str("holder", holder).Msg("slot released")
	select {
	case rm.freed <- struct{}{}:
	default:
	}
}

// Active returns the number of currently held slots for model.
func (rm *ResourceManager) Active(model string) int {
	ms, ok := rm.slots[model]
	if !ok {
		return 0
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.holders)
}

// Freed exposes the freed-slot signal for the queue dispatcher.
func (rm *ResourceManager) Freed() <-chan struct{} { return rm.freed }

// Snapshot returns per-model admission state, sorted by model name.
func (rm *ResourceManager) Snapshot() []types.ModelSlotStatus {
	out := make([]types.ModelSlotStatus, 0, len(rm.slots))
	for name, ms := range rm.slots {
		ms.mu.Lock()
		out = append(out, types.ModelSlotStatus{Model: name, Active: len(ms.holders), MaxConcurrent: ms.capacity})
		ms.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
