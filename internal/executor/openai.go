// Package executor provides the HTTP-backed ModelExecutor used in production:
// it talks to an OpenAI-compatible inference server (vLLM, llama.cpp server,
// Ollama) over chat-completion endpoints.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/sched"
	"inferd/pkg/types"
)

// Client implements sched.ModelExecutor against an OpenAI-compatible server.
type Client struct {
	baseURL    string
	apiKey     string
	reqTimeout time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// New constructs a client. reqTimeout bounds a whole non-streaming call;
// streaming calls are bounded by the caller's context only.
func New(baseURL, apiKey string, connectTimeout, reqTimeout time.Duration, log zerolog.Logger) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout stays 0 on the client: deadlines ride on request contexts so
	// streams are not cut mid-flight.
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		reqTimeout: reqTimeout,
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		log:        log.With().Str("component", "executor").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Invoke performs one blocking chat completion.
func (c *Client) Invoke(ctx context.Context, messages []sched.Message, model string, temperature float64) (sched.InvokeResult, error) {
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	body, _ := json.Marshal(chatRequest{
		Model:       model,
		Messages:    toChatMessages(messages),
		Temperature: temperature,
	})
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return sched.InvokeResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return sched.InvokeResult{}, ctx.Err()
		}
		return sched.InvokeResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return sched.InvokeResult{}, fmt.Errorf("inference server: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return sched.InvokeResult{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return sched.InvokeResult{}, errors.New("inference server returned no choices")
	}
	return sched.InvokeResult{
		Text: out.Choices[0].Message.Content,
		Usage: types.TokenInfo{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}

// Stream opens a streaming chat completion and returns a lazy chunk reader.
func (c *Client) Stream(ctx context.Context, messages []sched.Message, model string, temperature float64) (sched.ChunkStream, error) {
	body, _ := json.Marshal(chatRequest{
		Model:       model,
		Messages:    toChatMessages(messages),
		Temperature: temperature,
		Stream:      true,
	})
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("inference server: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return &sseStream{ctx: ctx, body: resp.Body, r: bufio.NewReader(resp.Body), log: c.log}, nil
}

func toChatMessages(messages []sched.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// sseStream parses Server-Sent Events lines ("data: {...}") into chunks.
type sseStream struct {
	ctx  context.Context
	body io.ReadCloser
	r    *bufio.Reader
	log  zerolog.Logger
}

func (s *sseStream) Recv() (sched.Chunk, error) {
	for {
		line, err := s.r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(strings.ToLower(line), "data:") {
				// skip heartbeats and comments
			} else {
				data := strings.TrimSpace(line[len("data:"):])
				if data == "[DONE]" {
					return sched.Chunk{}, io.EOF
				}
				var msg chatStreamResponse
				if jerr := json.Unmarshal([]byte(data), &msg); jerr == nil && len(msg.Choices) > 0 {
					ch := sched.Chunk{Text: msg.Choices[0].Delta.Content}
					if msg.Usage != nil {
						ch.Usage = types.TokenInfo{
							PromptTokens:     msg.Usage.PromptTokens,
							CompletionTokens: msg.Usage.CompletionTokens,
							TotalTokens:      msg.Usage.TotalTokens,
						}
					}
					return ch, nil
				}
				s.log.Debug().Str("line", line).Msg("unknown stream line")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sched.Chunk{}, io.EOF
			}
			if s.ctx.Err() != nil {
				return sched.Chunk{}, s.ctx.Err()
			}
			return sched.Chunk{}, err
		}
	}
}

func (s *sseStream) Close() error { return s.body.Close() }
