package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// gpuDevice is one physical accelerator. Each device has its own mutex so
// allocation on one device never serializes with another.
type gpuDevice struct {
	mu       sync.Mutex
	id       string
	totalMB  int
	usedMB   int
	active   int
	// Rolling mean of observed request durations per model, used for
	// tie-breaks between otherwise equal devices.
	perf      map[string]float64
	durSum    float64
	durCount  uint64
	allocated map[string]int // request id -> model footprint MB
}

const perfAlpha = 0.3

func (d *gpuDevice) estimate(model string) float64 {
	if v, ok := d.perf[model]; ok {
		return v
	}
	if d.durCount > 0 {
		return d.durSum / float64(d.durCount)
	}
	return 0
}

// GPULoadBalancer chooses a device per request using a pluggable strategy and
// tracks per-device load. Allocate and Deallocate must be called in matched
// pairs; the scheduler guarantees pairing through its cleanup path.
type GPULoadBalancer struct {
	devices []*gpuDevice
	byID    map[string]*gpuDevice

	mu       sync.RWMutex // guards strategy only
	strategy Strategy

	log zerolog.Logger
}

func NewGPULoadBalancer(gpus []types.GPU, strategy Strategy, log zerolog.Logger) *GPULoadBalancer {
	if strategy != StrategyMemoryBased && strategy != StrategyLeastLoaded {
		strategy = StrategyLeastLoaded
	}
	lb := &GPULoadBalancer{
		byID:     make(map[string]*gpuDevice, len(gpus)),
		strategy: strategy,
		log:      log.With().Str("component", "gpu").Logger(),
	}
	for _, g := range gpus {
		d := &gpuDevice{
			id:        g.ID,
			totalMB:   g.TotalMemoryMB,
			perf:      make(map[string]float64),
			allocated: make(map[string]int),
		}
		lb.devices = append(lb.devices, d)
		lb.byID[g.ID] = d
	}
	return lb
}

// SetStrategy switches the selection strategy at runtime.
func (lb *GPULoadBalancer) SetStrategy(s Strategy) {
	if s != StrategyMemoryBased && s != StrategyLeastLoaded {
		return
	}
	lb.mu.Lock()
	lb.strategy = s
	lb.mu.Unlock()
}

// Strategy returns the current selection strategy.
func (lb *GPULoadBalancer) Strategy() Strategy {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.strategy
}

// SelectOptimalGPU picks a device for model under the current strategy. Pure
// read of the load snapshot; it does not mutate device state.
func (lb *GPULoadBalancer) SelectOptimalGPU(model types.Model, tier types.Tier) (GPUAllocationDecision, error) {
	if len(lb.devices) == 0 {
		return GPUAllocationDecision{}, ErrGPUAllocation("no devices configured")
	}
	strategy := lb.Strategy()

	var best *gpuDevice
	var bestFree, bestActive int
	var bestEst float64
	for _, d := range lb.devices {
		d.mu.Lock()
		free := d.totalMB - d.usedMB
		active := d.active
		est := d.estimate(model.Name)
		d.mu.Unlock()

		if free-model.MemoryMB < 0 {
			continue
		}
		better := best == nil
		if !better {
			switch strategy {
			case StrategyMemoryBased:
				better = free > bestFree || (free == bestFree && est < bestEst)
			case StrategyLeastLoaded:
				better = active < bestActive || (active == bestActive && est < bestEst)
			}
		}
		if better {
			best, bestFree, bestActive, bestEst = d, free, active, est
		}
	}
	if best == nil {
		return GPUAllocationDecision{}, ErrGPUAllocation(
			fmt.Sprintf("no device has %dMB free for model %s", model.MemoryMB, model.Name))
	}

	decision := GPUAllocationDecision{
		GPUID:    best.id,
		Strategy: strategy,
	}
	switch strategy {
	case StrategyMemoryBased:
		decision.Confidence = float64(bestFree-model.MemoryMB) / float64(best.totalMB)
		decision.Reason = fmt.Sprintf("largest free memory after load (%dMB free)", bestFree)
	case StrategyLeastLoaded:
		decision.Confidence = 1.0 / float64(bestActive+1)
		decision.Reason = fmt.Sprintf("fewest active requests (%d)", bestActive)
	}
	return decision, nil
}

// Allocate claims capacity on gpuID for one request. Allocating an already
// allocated request id is rejected to keep pairing sound.
func (lb *GPULoadBalancer) Allocate(gpuID string, model types.Model, requestID string) error {
	d, ok := lb.byID[gpuID]
	if !ok {
		return ErrGPUAllocation("unknown device " + gpuID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.allocated[requestID]; dup {
		return ErrGPUAllocation("request " + requestID + " already allocated on " + gpuID)
	}
	d.active++
	d.usedMB += model.MemoryMB
	d.allocated[requestID] = model.MemoryMB
	gpuActiveRequests.WithLabelValues(d.id).Set(float64(d.active))
	lb.log.Debug().Str("gpu", gpuID).Str("model", model.Name).Str("request", requestID).Msg("gpu allocated")
	return nil
}

// Deallocate releases a request's claim and feeds the observed duration into
// the rolling per-device/per-model estimate. Unknown request ids are no-ops,
// keeping double-deallocation from skewing the counters.
func (lb *GPULoadBalancer) Deallocate(gpuID string, model types.Model, requestID string, dur time.Duration) {
	d, ok := lb.byID[gpuID]
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	footprint, held := d.allocated[requestID]
	if !held {
		return
	}
	delete(d.allocated, requestID)
	d.active--
	d.usedMB -= footprint
	if d.usedMB < 0 {
		d.usedMB = 0
	}
	sec := dur.Seconds()
	if prev, ok := d.perf[model.Name]; ok {
		d.perf[model.Name] = prev*(1-perfAlpha) + sec*perfAlpha
	} else {
		d.perf[model.Name] = sec
	}
	d.durSum += sec
	d.durCount++
	gpuActiveRequests.WithLabelValues(d.id).Set(float64(d.active))
	gpuRequestDuration.WithLabelValues(d.id, model.Name).Observe(sec)
}

// Snapshot returns per-device load, in configuration order.
func (lb *GPULoadBalancer) Snapshot() []types.GPUStatus {
	out := make([]types.GPUStatus, 0, len(lb.devices))
	for _, d := range lb.devices {
		d.mu.Lock()
		avg := 0.0
		if d.durCount > 0 {
			avg = d.durSum / float64(d.durCount)
		}
		out = append(out, types.GPUStatus{
			ID:             d.id,
			TotalMemoryMB:  d.totalMB,
			UsedMemoryMB:   d.usedMB,
			ActiveRequests: d.active,
			AvgDurationSec: avg,
		})
		d.mu.Unlock()
	}
	return out
}
