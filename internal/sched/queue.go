package sched

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// EntryKind selects how the dispatcher serves an entry: invoke runs the full
// pipeline on the waiter's behalf; grant only hands the reserved slot back to
// the waiter (used by the streaming path, which must own the stream).
type EntryKind int

const (
	KindInvoke EntryKind = iota
	KindGrant
)

// QueueEntry is one request waiting for an execution slot.
type QueueEntry struct {
	ID         string
	Model      types.Model
	Tier       types.Tier
	Priority   types.Priority
	EnqueuedAt time.Time
	// Caller's estimate, advisory only.
	EstimatedDuration time.Duration
	Request           types.GenerateRequest
	Kind              EntryKind
	Status            EntryStatus

	seq uint64
	// Buffered so the dispatcher never blocks on an abandoned waiter.
	done chan queueOutcome
	idx  int // heap index, -1 when not queued
}

type queueOutcome struct {
	resp *types.GenerateResponse
	err  error
}

// entryHeap orders by priority desc, then enqueue sequence asc (FIFO at
// equal priority).
type entryHeap []*QueueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*QueueEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// ProcessFunc executes one assigned entry end to end (reserve, invoke,
// release) and returns its result. Installed by the scheduler before Start.
type ProcessFunc func(ctx context.Context, e *QueueEntry) (*types.GenerateResponse, error)

// QueueManager holds requests that could not get an immediate slot and serves
// them in priority order as slots free up.
type QueueManager struct {
	mu       sync.Mutex
	pending  entryHeap
	byID     map[string]*QueueEntry
	seq      uint64
	maxDepth int

	timeouts atomic.Uint64

	wake    chan struct{}
	process ProcessFunc
	// tryReserve claims a slot for an entry's model; the dispatcher only
	// assigns entries it could reserve for.
	tryReserve func(model, holder string) bool
	freed      <-chan struct{}

	publisher EventPublisher
	log       zerolog.Logger
}

func NewQueueManager(maxDepth int, pub EventPublisher, log zerolog.Logger) *QueueManager {
	if maxDepth <= 0 {
		maxDepth = 64
	}
	if pub == nil {
		pub = noopPublisher{}
	}
	return &QueueManager{
		byID:      make(map[string]*QueueEntry),
		maxDepth:  maxDepth,
		wake:      make(chan struct{}, 1),
		publisher: pub,
		log:       log.With().Str("component", "queue").Logger(),
	}
}

// Start wires the dispatcher to slot-freed signals and runs it until ctx is
// canceled. process runs each assigned entry; tryReserve is the slot claim.
func (q *QueueManager) Start(ctx context.Context, freed <-chan struct{}, tryReserve func(model, holder string) bool, process ProcessFunc) {
	q.freed = freed
	q.tryReserve = tryReserve
	q.process = process
	go q.dispatch(ctx)
}

// Enqueue adds a pending entry and returns its id. Fails with a queue-full
// error when the waiting set is at max depth.
func (q *QueueManager) Enqueue(model types.Model, tier types.Tier, prio types.Priority, estimated time.Duration, req types.GenerateRequest, kind EntryKind) (string, error) {
	q.mu.Lock()
	if len(q.pending) >= q.maxDepth {
		q.mu.Unlock()
		return "", queueFullError{model: model.Name}
	}
	q.seq++
	e := &QueueEntry{
		ID:                uuid.NewString(),
		Model:             model,
		Tier:              tier,
		Priority:          prio,
		EnqueuedAt:        time.Now(),
		EstimatedDuration: estimated,
		Request:           req,
		Kind:              kind,
		Status:            EntryPending,
		seq:               q.seq,
		done:              make(chan queueOutcome, 1),
		idx:               -1,
	}
	heap.Push(&q.pending, e)
	q.byID[e.ID] = e
	depth := len(q.pending)
	q.mu.Unlock()

	queueDepth.Set(float64(depth))
	q.publisher.Publish(Event{Name: "enqueued", Model: model.Name, Fields: map[string]any{"id": e.ID, "priority": prio.String()}})
	q.kick()
	return e.ID, nil
}

// WaitResult suspends the caller until the entry completes or timeout
// elapses. On timeout the entry transitions to TIMED_OUT and is withdrawn,
// so no later allocation happens on its behalf. Cancellation behaves the
// same but propagates ctx.Err().
func (q *QueueManager) WaitResult(ctx context.Context, id string, timeout time.Duration) (*types.GenerateResponse, error) {
	q.mu.Lock()
	e, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return nil, ErrQueueTimeout("(unknown entry)")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-e.done:
		q.remove(e)
		return out.resp, out.err
	case <-timer.C:
		if q.withdraw(e, EntryTimedOut) {
			q.timeouts.Add(1)
			queueTimeouts.Inc()
			q.publisher.Publish(Event{Name: "queue_timeout", Model: e.Model.Name, Fields: map[string]any{"id": e.ID}})
			return nil, ErrQueueTimeout(e.Model.Name)
		}
		// Assigned while the timer fired; the result is imminent.
		out := <-e.done
		q.remove(e)
		return out.resp, out.err
	case <-ctx.Done():
		if q.withdraw(e, EntryFailed) {
			return nil, ctx.Err()
		}
		out := <-e.done
		q.remove(e)
		return out.resp, out.err
	}
}

// withdraw removes a still-pending entry and marks it status. Returns false
// when the entry was already assigned, in which case its outcome must be
// consumed instead.
func (q *QueueManager) withdraw(e *QueueEntry, status EntryStatus) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.Status != EntryPending {
		return false
	}
	e.Status = status
	if e.idx >= 0 {
		heap.Remove(&q.pending, e.idx)
	}
	delete(q.byID, e.ID)
	queueDepth.Set(float64(len(q.pending)))
	return true
}

func (q *QueueManager) remove(e *QueueEntry) {
	q.mu.Lock()
	delete(q.byID, e.ID)
	q.mu.Unlock()
}

func (q *QueueManager) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch wakes on freed slots and assigns as many pending entries as it can
// reserve slots for, in priority order.
func (q *QueueManager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.failAll(ctx.Err())
			return
		case <-q.freed:
		case <-q.wake:
		}
		q.assignRunnable(ctx)
	}
}

// assignRunnable walks the pending set best-first and starts every entry
// whose model has a free slot. Entries whose model is still saturated stay
// pending in order.
func (q *QueueManager) assignRunnable(ctx context.Context) {
	q.mu.Lock()
	var skipped []*QueueEntry
	var runnable []*QueueEntry
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*QueueEntry)
		if q.tryReserve(e.Model.Name, e.ID) {
			e.Status = EntryAssigned
			runnable = append(runnable, e)
		} else {
			skipped = append(skipped, e)
		}
	}
	for _, e := range skipped {
		heap.Push(&q.pending, e)
	}
	queueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	for _, e := range runnable {
		queueWaitSeconds.Observe(time.Since(e.EnqueuedAt).Seconds())
		go q.run(ctx, e)
	}
}

// run executes one assigned entry. The slot reserved by the dispatcher is
// owned by process, which either releases it on every exit path (invoke
// entries) or hands it to the waiter (grant entries).
func (q *QueueManager) run(ctx context.Context, e *QueueEntry) {
	resp, err := q.process(ctx, e)
	q.mu.Lock()
	if err != nil {
		e.Status = EntryFailed
	} else {
		e.Status = EntryCompleted
	}
	q.mu.Unlock()
	e.done <- queueOutcome{resp: resp, err: err}
	// A freed slot may let the next pending entry run.
	q.kick()
}

func (q *QueueManager) failAll(err error) {
	q.mu.Lock()
	var drained []*QueueEntry
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*QueueEntry)
		e.Status = EntryFailed
		delete(q.byID, e.ID)
		drained = append(drained, e)
	}
	q.mu.Unlock()
	for _, e := range drained {
		e.done <- queueOutcome{err: err}
	}
}

// Snapshot returns queue depth and age for /status.
func (q *QueueManager) Snapshot() types.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := types.QueueStatus{
		Depth:         len(q.pending),
		MaxDepth:      q.maxDepth,
		TimeoutsTotal: q.timeouts.Load(),
	}
	if len(q.pending) > 0 {
		st.ByPriority = make(map[string]int)
		oldest := time.Now()
		for _, e := range q.pending {
			st.ByPriority[e.Priority.String()]++
			if e.EnqueuedAt.Before(oldest) {
				oldest = e.EnqueuedAt
			}
		}
		st.OldestWaitSec = time.Since(oldest).Seconds()
	}
	return st
}
