// Package sched decides, for every inbound generation request, which model to
// run, whether a hardware slot is available now or must queue, which
// accelerator to run on, and how to release everything exactly once. It is
// structured into small files by concern:
//
//   - scheduler.go: orchestrating Scheduler façade and the per-request pipeline.
//   - stream.go: streaming variant of the pipeline and the Stream type.
//   - config.go: Config and package defaults; New applies and validates them.
//   - types.go: internal state types (states, decisions, allocations).
//   - errors.go: error taxonomy and predicates (IsQueueTimeout, ...).
//   - executor.go: ModelExecutor boundary and its message/result types.
//   - classifier.go: prompt complexity classification.
//   - selector.go: total tier/service/preference -> model selection.
//   - resource.go: per-model execution-slot admission.
//   - queue.go: priority queue with blocking waits and a dispatcher.
//   - gpu.go: device load balancing strategies and allocation pairing.
//   - lifecycle.go: model residency, coalesced loads, LRU eviction.
//   - events.go / eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors for the scheduler core.
//   - status.go: combined Status snapshot.
//
// External packages should treat this package as the orchestration layer and
// use public methods only (New, AllocateAndInvoke, AllocateAndInvokeStream,
// Status, Unload, Ready). Internal types are subject to change.
package sched
