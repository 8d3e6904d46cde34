package e2e

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"inferd/internal/sched"
	"inferd/pkg/types"
)

func postGenerate(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url+"/v1/generate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestGenerateEndToEnd(t *testing.T) {
	srv := newServer(t, newStubExecutor(), nil)

	status, body := postGenerate(t, srv.URL, `{"prompt":"hello there","service":"chat"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var out types.GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Allocation.Model != "small-model" {
		t.Errorf("allocation = %+v", out.Allocation)
	}
	if out.Meta.Service != "chat" {
		t.Errorf("meta = %+v", out.Meta)
	}
	if out.TokenInfo.TotalTokens != 7 {
		t.Errorf("token info = %+v", out.TokenInfo)
	}
}

// With a single slot, queue depth 1 and a one-second service timeout,
// concurrent requests overflow into 429s while the in-flight one succeeds.
func TestBackpressure429(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 2 * time.Second
	srv := newServer(t, exec, func(c *sched.Config) {
		c.MaxQueueDepth = 1
		c.Services["impatient"] = types.ServicePolicy{
			DefaultTier:      types.TierExpert,
			AllowEscalation:  true,
			MaxModelCategory: types.CategoryXLarge,
			TimeoutSeconds:   1,
		}
	})

	body := `{"prompt":"prove the theorem","service":"impatient","preferred_model":"large-model","fallback_allowed":false}`
	var wg sync.WaitGroup
	statuses := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = postGenerate(t, srv.URL, body)
		}(i)
		// Stagger so the first request holds the slot before the others arrive.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	oks, rejected := 0, 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			oks++
		case http.StatusTooManyRequests:
			rejected++
		default:
			t.Errorf("unexpected status %d", s)
		}
	}
	if oks != 1 || rejected != 2 {
		t.Errorf("statuses = %v, want one 200 and two 429s", statuses)
	}
}

// A failing large model degrades transparently to the smallest one, and the
// response says so.
func TestFallbackOverHTTP(t *testing.T) {
	exec := newStubExecutor()
	exec.fail("large-model", errors.New("cuda out of memory"))
	srv := newServer(t, exec, nil)

	status, body := postGenerate(t, srv.URL,
		`{"prompt":"prove the theorem","service":"chat","preferred_model":"large-model"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var out types.GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IsFallback {
		t.Fatal("response not marked as fallback")
	}
	if out.Allocation.Model != "small-model" {
		t.Errorf("fallback ran on %s", out.Allocation.Model)
	}
	if !strings.Contains(out.FallbackReason, "cuda out of memory") {
		t.Errorf("fallback reason = %q", out.FallbackReason)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	srv := newServer(t, newStubExecutor(), nil)

	resp, err := http.Post(srv.URL+"/v1/generate/stream", "application/json",
		strings.NewReader(`{"prompt":"hello","service":"chat"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var text strings.Builder
	done := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var chunk types.StreamChunk
		if err := json.Unmarshal(sc.Bytes(), &chunk); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		if chunk.Done {
			done = true
			break
		}
		text.WriteString(chunk.Chunk)
	}
	if !done {
		t.Error("stream ended without a done chunk")
	}
	if text.String() != "response from small-model" {
		t.Errorf("streamed text = %q", text.String())
	}
}

// The status surface reflects work that went through the scheduler.
func TestStatusReflectsActivity(t *testing.T) {
	srv := newServer(t, newStubExecutor(), nil)
	if s, body := postGenerate(t, srv.URL, `{"prompt":"hi","service":"chat"}`); s != http.StatusOK {
		t.Fatalf("generate = %d, body %s", s, body)
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Lifecycle.LoadsTotal == 0 {
		t.Error("no model load recorded")
	}
	if st.ActiveAllocations != 0 {
		t.Errorf("active allocations = %d after completion", st.ActiveAllocations)
	}
	resident := false
	for _, r := range st.Lifecycle.Resident {
		if r.Model == "small-model" && r.State == "ready" {
			resident = true
		}
	}
	if !resident {
		t.Error("small-model not resident after use")
	}
}
