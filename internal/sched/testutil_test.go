package sched

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// testCtx returns a context with a generous timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

// testCatalog is a small fixed catalog used across tests.
func testCatalog() []types.Model {
	return []types.Model{
		{Name: "tiny", Category: types.CategorySmall, MaxConcurrent: 8, MemoryMB: 10},
		{Name: "mid", Category: types.CategoryMedium, MaxConcurrent: 2, MemoryMB: 20},
		{Name: "big", Category: types.CategoryXLarge, MaxConcurrent: 1, MemoryMB: 40},
	}
}

func testTiers() map[types.Tier][]string {
	return map[types.Tier][]string{
		types.TierSimple:   {"tiny"},
		types.TierModerate: {"mid", "tiny"},
		types.TierComplex:  {"mid"},
		types.TierExpert:   {"big", "mid"},
	}
}

func testServices() map[string]types.ServicePolicy {
	return map[string]types.ServicePolicy{
		"chat": {
			DefaultTier:      types.TierModerate,
			AllowEscalation:  true,
			MaxModelCategory: types.CategoryXLarge,
			TimeoutSeconds:   5,
		},
		"reco": {
			DefaultTier:      types.TierSimple,
			AllowEscalation:  false,
			MaxModelCategory: types.CategoryMedium,
			TimeoutSeconds:   1,
		},
	}
}

func testGPUs() []types.GPU {
	return []types.GPU{
		{ID: "gpu-0", TotalMemoryMB: 100},
		{ID: "gpu-1", TotalMemoryMB: 100},
	}
}

// fakeExecutor is an in-memory ModelExecutor with configurable failures and
// latency. It tracks concurrency so tests can assert the capacity invariant.
type fakeExecutor struct {
	mu        sync.Mutex
	errFor    map[string]error
	delay     time.Duration
	block     chan struct{} // when set, Invoke waits for a receive
	inflight  int
	maxSeen   int
	calls     int
	lastModel string
	chunks    []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{errFor: map[string]error{}, chunks: []string{"hello", " world"}}
}

func (f *fakeExecutor) enter(model string) {
	f.mu.Lock()
	f.calls++
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	f.lastModel = model
	f.mu.Unlock()
}

func (f *fakeExecutor) leave() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *fakeExecutor) Invoke(ctx context.Context, messages []Message, model string, temperature float64) (InvokeResult, error) {
	f.enter(model)
	defer f.leave()
	if err := f.errFor[model]; err != nil {
		return InvokeResult{}, err
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return InvokeResult{}, ctx.Err()
		}
	} else if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return InvokeResult{}, ctx.Err()
		}
	}
	return InvokeResult{
		Text:  "ok from " + model,
		Usage: types.TokenInfo{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
	}, nil
}

func (f *fakeExecutor) Stream(ctx context.Context, messages []Message, model string, temperature float64) (ChunkStream, error) {
	f.enter(model)
	defer f.leave()
	if err := f.errFor[model]; err != nil {
		return nil, err
	}
	return &fakeStream{chunks: f.chunks}, nil
}

func (f *fakeExecutor) stats() (calls, maxSeen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxSeen
}

type fakeStream struct {
	chunks []string
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (Chunk, error) {
	if s.closed || s.pos >= len(s.chunks) {
		return Chunk{Usage: types.TokenInfo{TotalTokens: 8, PromptTokens: 3, CompletionTokens: 5}}, io.EOF
	}
	c := Chunk{Text: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type schedOption func(*Config)

// newTestScheduler wires a scheduler over the fixed test catalog with an
// instant load function.
func newTestScheduler(t *testing.T, exec ModelExecutor, opts ...schedOption) *Scheduler {
	t.Helper()
	cfg := Config{
		Catalog:         testCatalog(),
		TierPreferences: testTiers(),
		Services:        testServices(),
		GPUs:            testGPUs(),
		Strategy:        StrategyLeastLoaded,
		Executor:        exec,
		LoadFn:          func(ctx context.Context, _ types.Model) error { return nil },
		Logger:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New(testCtx(t), cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

// quiesce polls until no slots or GPU requests remain held, failing the test
// on deadline.
func quiesce(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		idle := true
		for _, st := range s.resources.Snapshot() {
			if st.Active != 0 {
				idle = false
			}
		}
		for _, g := range s.gpus.Snapshot() {
			if g.ActiveRequests != 0 || g.UsedMemoryMB != 0 {
				idle = false
			}
		}
		if idle {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduler did not quiesce: resources=%+v gpus=%+v", s.resources.Snapshot(), s.gpus.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
