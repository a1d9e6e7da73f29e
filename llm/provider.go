// Package llm talks to the OpenAI-compatible model servers: chat completion
// (blocking and token-streamed) and text embeddings.
package llm

import "context"

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a completion request. System, when set, is prepended as a
// system message.
type ChatRequest struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// StreamChunk is one unit of a streamed completion. Exactly one chunk with
// Done set (or a non-nil Err) ends the stream.
type StreamChunk struct {
	Token string
	Done  bool
	Err   error
}

// Provider generates chat completions.
type Provider interface {
	// Chat returns the full completion text.
	Chat(ctx context.Context, req ChatRequest) (string, error)
	// ChatStream returns a channel of tokens. The channel always ends with a
	// close; a Done or error chunk precedes it unless ctx was cancelled and
	// the consumer stopped receiving. Cancelling ctx aborts the stream.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// sendFinal delivers a stream's terminal chunk. While the consumer is live it
// blocks like a normal send, but after cancellation the consumer may already
// have walked away, so only one non-blocking attempt is made and the chunk is
// otherwise dropped. The caller closes the channel right after; a consumer
// still ranging observes end of stream either way.
func sendFinal(ctx context.Context, out chan<- StreamChunk, c StreamChunk) {
	select {
	case out <- c:
	case <-ctx.Done():
		select {
		case out <- c:
		default:
		}
	}
}
