package sched

import (
	"time"

	"inferd/pkg/types"
)

// ResidencyState is the lifecycle state of a model's weights.
type ResidencyState string

const (
	StateLoading  ResidencyState = "loading"
	StateReady    ResidencyState = "ready"
	StateDraining ResidencyState = "draining"
)

// EntryStatus is the lifecycle state of one queued request.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryAssigned  EntryStatus = "assigned"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryTimedOut  EntryStatus = "timed_out"
)

// Strategy selects how the load balancer picks a device.
type Strategy string

const (
	StrategyMemoryBased Strategy = "memory_based"
	StrategyLeastLoaded Strategy = "least_loaded"
)

// GPUAllocationDecision is the read-only output of device selection.
type GPUAllocationDecision struct {
	GPUID      string
	Strategy   Strategy
	Confidence float64
	Reason     string
}

// ResourceAllocation tracks everything held by one in-flight request. It is
// created after slot admission and destroyed by the guaranteed cleanup path.
type ResourceAllocation struct {
	RequestID   string
	Model       types.Model
	Tier        types.Tier
	GPUID       string
	AllocatedAt time.Time
}
