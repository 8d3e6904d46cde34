package sched

import (
	"time"

	"inferd/pkg/types"
)

// Status builds the combined snapshot for GET /status.
func (s *Scheduler) Status() types.StatusResponse {
	s.mu.Lock()
	activeCount := len(s.active)
	s.mu.Unlock()
	now := time.Now()
	return types.StatusResponse{
		ActiveAllocations: activeCount,
		Resources:         s.resources.Snapshot(),
		Queue:             s.queue.Snapshot(),
		GPUs:              s.gpus.Snapshot(),
		Lifecycle:         s.lifecycle.Snapshot(),
		UptimeSeconds:     int64(now.Sub(s.startTime).Seconds()),
		ServerTimeUnix:    now.Unix(),
	}
}

// ActiveAllocations returns a copy of the in-flight allocation set.
func (s *Scheduler) ActiveAllocations() []ResourceAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResourceAllocation, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	return out
}
