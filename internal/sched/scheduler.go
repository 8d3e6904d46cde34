package sched

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// Scheduler is the orchestrating façade. Per request it classifies, selects a
// model, admits (reserve or queue), balances onto a device, ensures residency,
// invokes the executor, records metrics and releases everything it held.
type Scheduler struct {
	classifier *Classifier
	selector   *Selector
	resources  *ResourceManager
	gpus       *GPULoadBalancer
	lifecycle  *LifecycleManager
	queue      *QueueManager
	executor   ModelExecutor
	services   map[string]types.ServicePolicy

	defaultTimeout time.Duration

	mu     sync.Mutex
	active map[string]ResourceAllocation

	publisher EventPublisher
	log       zerolog.Logger
	startTime time.Time
}

// New wires the scheduler and starts the queue dispatcher. The dispatcher
// stops when ctx is canceled; queued callers then fail with ctx.Err().
func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger

	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}

	rm := NewResourceManager(cfg.Catalog, log)
	s := &Scheduler{
		classifier:     NewClassifier(cfg.Services),
		selector:       NewSelector(cfg.Catalog, cfg.TierPreferences, cfg.Services),
		resources:      rm,
		gpus:           NewGPULoadBalancer(cfg.GPUs, cfg.Strategy, log),
		lifecycle:      NewLifecycleManager(cfg.MemoryBudgetMB, cfg.MemoryMarginMB, cfg.LoadFn, rm.Active, pub, log),
		queue:          NewQueueManager(cfg.MaxQueueDepth, pub, log),
		executor:       cfg.Executor,
		services:       cfg.Services,
		defaultTimeout: cfg.DefaultTimeout,
		active:         make(map[string]ResourceAllocation),
		publisher:      pub,
		log:            log.With().Str("component", "scheduler").Logger(),
		startTime:      time.Now(),
	}
	s.queue.Start(ctx, rm.Freed(), rm.Reserve, s.processEntry)
	return s, nil
}

// Models returns the static catalog.
func (s *Scheduler) Models() []types.Model {
	cat := make([]types.Model, 0, len(s.selector.catalog))
	for _, m := range s.selector.catalog {
		cat = append(cat, m)
	}
	return cat
}

// Ready reports whether at least one model is resident.
func (s *Scheduler) Ready() bool {
	for _, m := range s.Models() {
		if s.lifecycle.Resident(m.Name) {
			return true
		}
	}
	return false
}

// Unload drains and removes a model's residency.
func (s *Scheduler) Unload(model string) error { return s.lifecycle.Unload(model) }

// OptimizeMemory evicts idle models until usage fits the budget.
func (s *Scheduler) OptimizeMemory() []string { return s.lifecycle.OptimizeMemory() }

// SetStrategy switches the GPU selection strategy at runtime.
func (s *Scheduler) SetStrategy(strategy Strategy) { s.gpus.SetStrategy(strategy) }

// AllocateAndInvoke runs one generation request end to end. On failure after
// selection, and when the request allows it, the pipeline retries exactly
// once against the smallest known model and tags the result as a fallback.
func (s *Scheduler) AllocateAndInvoke(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	pol, tier, model, err := s.admitParams(req)
	if err != nil {
		return nil, err
	}
	prio, _ := types.ParsePriority(req.Priority)

	resp, err := s.runPipeline(ctx, req, pol, tier, model, prio)
	if err == nil {
		requestsTotal.WithLabelValues(model.Name, string(tier), "completed").Inc()
		return resp, nil
	}
	small := s.selector.Smallest()
	if !req.Fallback() || model.Name == small.Name {
		requestsTotal.WithLabelValues(model.Name, string(tier), "failed").Inc()
		return nil, err
	}

	s.log.Warn().Str("model", model.Name).Str("fallback", small.Name).Err(err).Msg("retrying on fallback model")
	fallbacksTotal.WithLabelValues(model.Name).Inc()
	s.publisher.Publish(Event{Name: "fallback", Model: model.Name, Fields: map[string]any{"to": small.Name, "reason": err.Error()}})
	resp2, err2 := s.runPipeline(ctx, req, pol, tier, small, prio)
	if err2 != nil {
		requestsTotal.WithLabelValues(model.Name, string(tier), "failed").Inc()
		// The original error names the model the caller actually asked for.
		return nil, err
	}
	resp2.IsFallback = true
	resp2.FallbackReason = err.Error()
	requestsTotal.WithLabelValues(small.Name, string(tier), "fallback").Inc()
	return resp2, nil
}

// admitParams resolves the service policy, tier and model for a request.
func (s *Scheduler) admitParams(req types.GenerateRequest) (types.ServicePolicy, types.Tier, types.Model, error) {
	pol, ok := s.services[req.Service]
	if !ok {
		return pol, "", types.Model{}, ErrUnknownService(req.Service)
	}
	tier, valid := types.ParseTier(req.Tier)
	if req.Tier == "" || !valid {
		tier = s.classifier.Classify(req.Prompt, req.Service)
	}
	// Services that may not escalate are capped at their configured default.
	if !pol.AllowEscalation && tier.Rank() > pol.DefaultTier.Rank() {
		tier = pol.DefaultTier
	}
	model, reason := s.selector.Select(tier, req.Service, req.PreferredModel)
	s.log.Debug().
		Str("service", req.Service).
		Str("tier", string(tier)).
		Str("model", model.Name).
		Str("reason", reason).
		Msg("request admitted")
	return pol, tier, model, nil
}

func (s *Scheduler) timeoutFor(pol types.ServicePolicy) time.Duration {
	if pol.TimeoutSeconds > 0 {
		return time.Duration(pol.TimeoutSeconds) * time.Second
	}
	return s.defaultTimeout
}

// runPipeline admits one request: fast path reserves a slot immediately,
// slow path queues and suspends until the dispatcher serves the entry or the
// service timeout elapses.
func (s *Scheduler) runPipeline(ctx context.Context, req types.GenerateRequest, pol types.ServicePolicy, tier types.Tier, model types.Model, prio types.Priority) (*types.GenerateResponse, error) {
	requestID := uuid.NewString()
	admitted := time.Now()

	if s.resources.Reserve(model.Name, requestID) {
		return s.execute(ctx, requestID, req, tier, model, admitted)
	}

	id, err := s.queue.Enqueue(model, tier, prio, 0, req, KindInvoke)
	if err != nil {
		return nil, err
	}
	return s.queue.WaitResult(ctx, id, s.timeoutFor(pol))
}

// processEntry serves one assigned queue entry. The dispatcher has already
// reserved the slot under the entry id: invoke entries run the rest of the
// pipeline here (execute releases the slot), grant entries return ownership
// to the waiting caller.
func (s *Scheduler) processEntry(ctx context.Context, e *QueueEntry) (*types.GenerateResponse, error) {
	if e.Kind == KindGrant {
		return nil, nil
	}
	return s.execute(ctx, e.ID, e.Request, e.Tier, e.Model, e.EnqueuedAt)
}

// execute runs the post-admission pipeline with the slot for requestID
// already held. Cleanup is unconditional: the slot release and the GPU
// deallocation run on every exit path, including panics in the executor.
func (s *Scheduler) execute(ctx context.Context, requestID string, req types.GenerateRequest, tier types.Tier, model types.Model, admitted time.Time) (_ *types.GenerateResponse, err error) {
	defer s.resources.Release(model.Name, requestID)

	decision, err := s.gpus.SelectOptimalGPU(model, tier)
	if err != nil {
		return nil, err
	}
	if err := s.gpus.Allocate(decision.GPUID, model, requestID); err != nil {
		return nil, err
	}
	allocStart := time.Now()
	defer func() {
		s.gpus.Deallocate(decision.GPUID, model, requestID, time.Since(allocStart))
	}()

	s.trackAllocation(ResourceAllocation{
		RequestID:   requestID,
		Model:       model,
		Tier:        tier,
		GPUID:       decision.GPUID,
		AllocatedAt: allocStart,
	})
	defer s.untrackAllocation(requestID)

	if err := s.lifecycle.EnsureLoaded(ctx, model); err != nil {
		return nil, err
	}
	s.lifecycle.Touch(model.Name)

	invokeStart := time.Now()
	res, err := s.executor.Invoke(ctx, []Message{{Role: "user", Content: req.Prompt}}, model.Name, req.Temperature)
	if err != nil {
		return nil, ErrExecutor(model.Name, err)
	}
	processing := time.Since(invokeStart)
	processingDuration.WithLabelValues(model.Name).Observe(processing.Seconds())

	return &types.GenerateResponse{
		Response:  res.Text,
		TokenInfo: res.Usage,
		Allocation: types.Allocation{
			Model:    model.Name,
			Category: model.Category,
			Tier:     tier,
			ExpertID: decision.GPUID,
		},
		Meta: types.GenerateMeta{
			Service:         req.Service,
			SessionID:       req.SessionID,
			ProcessingMs:    processing.Milliseconds(),
			AllocationMs:    invokeStart.Sub(admitted).Milliseconds(),
			ResourceUsageMB: model.MemoryMB,
		},
	}, nil
}

func (s *Scheduler) trackAllocation(a ResourceAllocation) {
	s.mu.Lock()
	s.active[a.RequestID] = a
	s.mu.Unlock()
}

func (s *Scheduler) untrackAllocation(requestID string) {
	s.mu.Lock()
	delete(s.active, requestID)
	s.mu.Unlock()
}
