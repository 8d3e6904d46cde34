package sched

import (
	"context"

	"inferd/pkg/types"
)

// Message is one turn of the conversation passed to the executor.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeResult is the executor's answer for a non-streaming call.
type InvokeResult struct {
	Text  string
	Usage types.TokenInfo
}

// Chunk is one piece of a streaming answer.
type Chunk struct {
	Text  string
	Usage types.TokenInfo
}

// ChunkStream is a lazy, finite, non-restartable sequence of chunks.
// Recv returns io.EOF when the stream is exhausted. Close is idempotent.
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// ModelExecutor performs the actual inference. It is an external collaborator
// consumed at this interface boundary only.
type ModelExecutor interface {
	Invoke(ctx context.Context, messages []Message, model string, temperature float64) (InvokeResult, error)
	Stream(ctx context.Context, messages []Message, model string, temperature float64) (ChunkStream, error)
}
