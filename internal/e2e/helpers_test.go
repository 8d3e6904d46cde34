package e2e

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/httpapi"
	"inferd/internal/sched"
	"inferd/pkg/types"
)

// stubExecutor answers every invocation locally. Failures and latency are
// configurable per model.
type stubExecutor struct {
	mu     sync.Mutex
	errFor map[string]error
	delay  time.Duration
}

func newStubExecutor() *stubExecutor { return &stubExecutor{errFor: map[string]error{}} }

func (f *stubExecutor) fail(model string, err error) {
	f.mu.Lock()
	f.errFor[model] = err
	f.mu.Unlock()
}

func (f *stubExecutor) Invoke(ctx context.Context, messages []sched.Message, model string, temperature float64) (sched.InvokeResult, error) {
	f.mu.Lock()
	err := f.errFor[model]
	delay := f.delay
	f.mu.Unlock()
	if err != nil {
		return sched.InvokeResult{}, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return sched.InvokeResult{}, ctx.Err()
		}
	}
	return sched.InvokeResult{
		Text:  "response from " + model,
		Usage: types.TokenInfo{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}, nil
}

func (f *stubExecutor) Stream(ctx context.Context, messages []sched.Message, model string, temperature float64) (sched.ChunkStream, error) {
	f.mu.Lock()
	err := f.errFor[model]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &stubStream{chunks: []string{"response ", "from ", model}}, nil
}

type stubStream struct {
	chunks []string
	pos    int
}

func (s *stubStream) Recv() (sched.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return sched.Chunk{Usage: types.TokenInfo{TotalTokens: 7}}, io.EOF
	}
	c := sched.Chunk{Text: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *stubStream) Close() error { return nil }

// newServer stands up the full stack: scheduler over a two-model catalog,
// wired to the stub executor, behind the real HTTP mux.
func newServer(t *testing.T, exec sched.ModelExecutor, mutate func(*sched.Config)) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := sched.Config{
		Catalog: []types.Model{
			{Name: "small-model", Category: types.CategorySmall, MaxConcurrent: 4, MemoryMB: 512},
			{Name: "large-model", Category: types.CategoryXLarge, MaxConcurrent: 1, MemoryMB: 8192},
		},
		TierPreferences: map[types.Tier][]string{
			types.TierSimple:   {"small-model"},
			types.TierModerate: {"small-model"},
			types.TierComplex:  {"large-model"},
			types.TierExpert:   {"large-model"},
		},
		Services: map[string]types.ServicePolicy{
			"chat": {
				DefaultTier:      types.TierModerate,
				AllowEscalation:  true,
				MaxModelCategory: types.CategoryXLarge,
				TimeoutSeconds:   5,
			},
		},
		GPUs:     []types.GPU{{ID: "gpu-0", TotalMemoryMB: 16384}},
		Executor: exec,
		LoadFn:   func(ctx context.Context, _ types.Model) error { return nil },
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := sched.New(ctx, cfg)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(s))
	t.Cleanup(srv.Close)
	return srv
}
