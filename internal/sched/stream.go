package sched

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferd/pkg/types"
)

// Stream is a lazy, finite, non-restartable sequence of chunks with the
// request's allocation attached. Resources held for the stream are released
// exactly once: when the stream is exhausted, closed, or errors.
type Stream struct {
	inner      ChunkStream
	allocation types.Allocation

	isFallback     bool
	fallbackReason string

	once    sync.Once
	cleanup func()
}

// Allocation reports what the stream runs on.
func (st *Stream) Allocation() types.Allocation { return st.allocation }

// IsFallback reports whether the stream runs on the fallback model, with the
// original error when it does.
func (st *Stream) IsFallback() (bool, string) { return st.isFallback, st.fallbackReason }

// Recv returns the next chunk. io.EOF marks normal exhaustion; any error,
// EOF included, triggers cleanup.
func (st *Stream) Recv() (Chunk, error) {
	c, err := st.inner.Recv()
	if err != nil {
		st.release()
	}
	return c, err
}

// Close cancels the stream and releases held resources. Idempotent.
func (st *Stream) Close() error {
	st.release()
	return nil
}

func (st *Stream) release() {
	st.once.Do(func() {
		_ = st.inner.Close()
		st.cleanup()
	})
}

// AllocateAndInvokeStream follows the same admission and allocation protocol
// as AllocateAndInvoke but yields chunks lazily from the executor. Fallback
// semantics match the non-streaming path: at most one retry against the
// smallest model, only when opening the stream fails.
func (s *Scheduler) AllocateAndInvokeStream(ctx context.Context, req types.GenerateRequest) (*Stream, error) {
	pol, tier, model, err := s.admitParams(req)
	if err != nil {
		return nil, err
	}
	prio, _ := types.ParsePriority(req.Priority)

	st, err := s.openStream(ctx, req, pol, tier, model, prio)
	if err == nil {
		requestsTotal.WithLabelValues(model.Name, string(tier), "streaming").Inc()
		return st, nil
	}
	small := s.selector.Smallest()
	if !req.Fallback() || model.Name == small.Name {
		requestsTotal.WithLabelValues(model.Name, string(tier), "failed").Inc()
		return nil, err
	}
	fallbacksTotal.WithLabelValues(model.Name).Inc()
	s.publisher.Publish(Event{Name: "fallback", Model: model.Name, Fields: map[string]any{"to": small.Name, "reason": err.Error()}})
	st2, err2 := s.openStream(ctx, req, pol, tier, small, prio)
	if err2 != nil {
		requestsTotal.WithLabelValues(model.Name, string(tier), "failed").Inc()
		return nil, err
	}
	st2.isFallback = true
	st2.fallbackReason = err.Error()
	requestsTotal.WithLabelValues(small.Name, string(tier), "fallback").Inc()
	return st2, nil
}

// openStream admits and allocates like the invoke path, then starts the
// executor stream. On the slow path the dispatcher grants the reserved slot
// to this caller, which then owns the release.
func (s *Scheduler) openStream(ctx context.Context, req types.GenerateRequest, pol types.ServicePolicy, tier types.Tier, model types.Model, prio types.Priority) (*Stream, error) {
	holder := uuid.NewString()
	if !s.resources.Reserve(model.Name, holder) {
		id, err := s.queue.Enqueue(model, tier, prio, 0, req, KindGrant)
		if err != nil {
			return nil, err
		}
		if _, err := s.queue.WaitResult(ctx, id, s.timeoutFor(pol)); err != nil {
			return nil, err
		}
		// The dispatcher reserved under the entry id; that is our holder now.
		holder = id
		if err := ctx.Err(); err != nil {
			s.resources.Release(model.Name, holder)
			return nil, err
		}
	}

	decision, err := s.gpus.SelectOptimalGPU(model, tier)
	if err != nil {
		s.resources.Release(model.Name, holder)
		return nil, err
	}
	if err := s.gpus.Allocate(decision.GPUID, model, holder); err != nil {
		s.resources.Release(model.Name, holder)
		return nil, err
	}
	allocStart := time.Now()
	cleanup := func() {
		s.gpus.Deallocate(decision.GPUID, model, holder, time.Since(allocStart))
		s.resources.Release(model.Name, holder)
		s.untrackAllocation(holder)
	}

	s.trackAllocation(ResourceAllocation{
		RequestID:   holder,
		Model:       model,
		Tier:        tier,
		GPUID:       decision.GPUID,
		AllocatedAt: allocStart,
	})

	if err := s.lifecycle.EnsureLoaded(ctx, model); err != nil {
		cleanup()
		return nil, err
	}
	s.lifecycle.Touch(model.Name)

	inner, err := s.executor.Stream(ctx, []Message{{Role: "user", Content: req.Prompt}}, model.Name, req.Temperature)
	if err != nil {
		cleanup()
		return nil, ErrExecutor(model.Name, err)
	}
	return &Stream{
		inner: inner,
		allocation: types.Allocation{
			Model:    model.Name,
			Category: model.Category,
			Tier:     tier,
			ExpertID: decision.GPUID,
		},
		cleanup: cleanup,
	}, nil
}
