package llm

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a scripted Provider for tests. Responses are consumed in
// order; when the script runs out the last response repeats. Streaming splits
// the response into whitespace-delimited tokens.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	next      int
	err       error

	// Requests records every request received, for assertions.
	Requests []ChatRequest
}

// NewMockProvider creates a provider that replies with the given responses.
func NewMockProvider(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Fail makes all subsequent calls return err.
func (m *MockProvider) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockProvider) take(req ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	resp := m.responses[m.next]
	if m.next < len(m.responses)-1 {
		m.next++
	}
	return resp, nil
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return m.take(req)
}

func (m *MockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := m.take(req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		words := strings.SplitAfter(resp, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case out <- StreamChunk{Token: w}:
			case <-ctx.Done():
				sendFinal(ctx, out, StreamChunk{Err: ctx.Err()})
				return
			}
		}
		sendFinal(ctx, out, StreamChunk{Done: true})
	}()
	return out, nil
}

// MockEmbedder returns deterministic vectors derived from text length, so
// identical texts embed identically.
type MockEmbedder struct {
	Dim int
	Err error
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	dim := m.Dim
	if dim == 0 {
		dim = 4
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(len(text)%(j+7)) / 10
		}
		vectors[i] = vec
	}
	return vectors, nil
}
