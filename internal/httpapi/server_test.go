package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"inferd/internal/sched"
	"inferd/pkg/types"
)

// echoExecutor is a minimal in-process ModelExecutor for end-to-end handler
// tests.
type echoExecutor struct{}

func (echoExecutor) Invoke(ctx context.Context, messages []sched.Message, model string, temperature float64) (sched.InvokeResult, error) {
	return sched.InvokeResult{
		Text:  "echo: " + messages[len(messages)-1].Content,
		Usage: types.TokenInfo{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (echoExecutor) Stream(ctx context.Context, messages []sched.Message, model string, temperature float64) (sched.ChunkStream, error) {
	return &cannedStream{chunks: []string{"echo: ", messages[len(messages)-1].Content}}, nil
}

type cannedStream struct {
	chunks []string
	pos    int
}

func (s *cannedStream) Recv() (sched.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return sched.Chunk{Usage: types.TokenInfo{TotalTokens: 5}}, io.EOF
	}
	c := sched.Chunk{Text: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *cannedStream) Close() error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := sched.New(ctx, sched.Config{
		Catalog: []types.Model{
			{Name: "tiny", Category: types.CategorySmall, MaxConcurrent: 4, MemoryMB: 10},
		},
		TierPreferences: map[types.Tier][]string{
			types.TierSimple:   {"tiny"},
			types.TierModerate: {"tiny"},
		},
		Services: map[string]types.ServicePolicy{
			"chat": {
				DefaultTier:      types.TierModerate,
				AllowEscalation:  true,
				MaxModelCategory: types.CategoryXLarge,
				TimeoutSeconds:   5,
			},
		},
		GPUs:     []types.GPU{{ID: "gpu-0", TotalMemoryMB: 100}},
		Executor: echoExecutor{},
		LoadFn:   func(ctx context.Context, _ types.Model) error { return nil },
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	srv := httptest.NewServer(NewMux(s))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGenerateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/generate", `{"prompt":"hello","service":"chat"}`)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, b)
	}
	var out types.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response != "echo: hello" {
		t.Errorf("response = %q", out.Response)
	}
	if out.Allocation.Model != "tiny" {
		t.Errorf("allocation = %+v", out.Allocation)
	}
	if out.TokenInfo.TotalTokens != 5 {
		t.Errorf("token info = %+v", out.TokenInfo)
	}
}

func TestGenerateValidation(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"missing prompt", "application/json", `{"service":"chat"}`, http.StatusBadRequest},
		{"missing service", "application/json", `{"prompt":"hi"}`, http.StatusBadRequest},
		{"malformed json", "application/json", `{`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `{"prompt":"hi","service":"chat"}`, http.StatusUnsupportedMediaType},
		{"unknown service", "application/json", `{"prompt":"hi","service":"ghost"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/generate", tc.contentType, strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			var e types.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Fatalf("error body not JSON: %v", err)
			}
			if e.Code != tc.wantStatus || e.Error == "" {
				t.Errorf("error body = %+v", e)
			}
		})
	}
}

func TestGenerateStreamEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/generate/stream", `{"prompt":"hello","service":"chat"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var text bytes.Buffer
	var final types.StreamChunk
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var chunk types.StreamChunk
		if err := json.Unmarshal(sc.Bytes(), &chunk); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		if chunk.Done {
			final = chunk
			break
		}
		text.WriteString(chunk.Chunk)
	}
	if text.String() != "echo: hello" {
		t.Errorf("streamed text = %q", text.String())
	}
	if !final.Done {
		t.Error("no final done chunk")
	}
	if final.TokenInfo == nil || final.TokenInfo.TotalTokens != 5 {
		t.Errorf("final token info = %+v", final.TokenInfo)
	}
}

func TestModelsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out types.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Models) != 1 || out.Models[0].Name != "tiny" {
		t.Errorf("models = %+v", out.Models)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/v1/generate", `{"prompt":"hi","service":"chat"}`)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(st.Resources) != 1 || len(st.GPUs) != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.Lifecycle.LoadsTotal == 0 {
		t.Error("no loads recorded in status")
	}
}

func TestProbes(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	// Not ready until a model is resident.
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz before load = %d, want 503", resp.StatusCode)
	}

	postJSON(t, srv.URL+"/v1/generate", `{"prompt":"hi","service":"chat"}`)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz after load = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(b, []byte("inferd_")) {
		t.Error("metrics output lacks inferd namespace")
	}
}

// errService drives mapError through the full handler path.
type errService struct{ err error }

func (s errService) AllocateAndInvoke(context.Context, types.GenerateRequest) (*types.GenerateResponse, error) {
	return nil, s.err
}

func (s errService) AllocateAndInvokeStream(context.Context, types.GenerateRequest) (*sched.Stream, error) {
	return nil, s.err
}
func (errService) Status() types.StatusResponse { return types.StatusResponse{} }
func (errService) Models() []types.Model        { return nil }
func (errService) Ready() bool                  { return true }

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"queue timeout", sched.ErrQueueTimeout("m"), http.StatusTooManyRequests},
		{"capacity", sched.ErrCapacityExceeded("m"), http.StatusTooManyRequests},
		{"unknown service", sched.ErrUnknownService("svc"), http.StatusNotFound},
		{"model not found", sched.ErrModelNotFound("m"), http.StatusNotFound},
		{"load failure", sched.ErrModelLoadFailure("m", errors.New("x")), http.StatusServiceUnavailable},
		{"gpu allocation", sched.ErrGPUAllocation("full"), http.StatusServiceUnavailable},
		{"executor", sched.ErrExecutor("m", errors.New("x")), http.StatusBadGateway},
		{"unclassified", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(NewMux(errService{err: tc.err}))
			defer srv.Close()
			resp := postJSON(t, srv.URL+"/v1/generate", `{"prompt":"hi","service":"chat"}`)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	srv := newTestServer(t)
	huge := `{"prompt":"` + strings.Repeat("a", int(maxBodyBytes)) + `","service":"chat"}`
	resp := postJSON(t, srv.URL+"/v1/generate", huge)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized body", resp.StatusCode)
	}
}
