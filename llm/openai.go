package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/organbird/dot-project/logger"
)

// OpenAIProvider speaks the OpenAI chat-completions protocol. It works
// against any compatible server (vLLM, Ollama, llama.cpp, OpenAI itself).
type OpenAIProvider struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// OpenAIOption customizes the provider.
type OpenAIOption func(*OpenAIProvider)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) OpenAIOption {
	return func(p *OpenAIProvider) { p.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAIProvider creates a provider for the given base URL (ending in
// /v1) and model name.
func NewOpenAIProvider(baseURL, model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAIProvider) buildMessages(req ChatRequest) []Message {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	return append(messages, req.Messages...)
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body chatCompletionRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return httpReq, nil
}

// Chat sends a blocking completion request and returns the full text.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (string, error) {
	httpReq, err := p.newRequest(ctx, chatCompletionRequest{
		Model:       p.model,
		Messages:    p.buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model server error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// ChatStream sends a streaming completion request. Tokens arrive on the
// returned channel as they are generated.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	httpReq, err := p.newRequest(ctx, chatCompletionRequest{
		Model:       p.model,
		Messages:    p.buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan StreamChunk)
	go p.streamResponse(ctx, resp.Body, out)
	return out, nil
}

func (p *OpenAIProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			sendFinal(ctx, out, StreamChunk{Err: ctx.Err()})
			return
		default:
		}

		data := scanner.Data()
		if data == "[DONE]" {
			sendFinal(ctx, out, StreamChunk{Done: true})
			return
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			select {
			case out <- StreamChunk{Token: token}:
			case <-ctx.Done():
				sendFinal(ctx, out, StreamChunk{Err: ctx.Err()})
				return
			}
		}
		if chunk.Choices[0].FinishReason != nil {
			sendFinal(ctx, out, StreamChunk{Done: true})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		sendFinal(ctx, out, StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)})
		return
	}
	// Server closed the stream without [DONE]; treat as a normal end.
	sendFinal(ctx, out, StreamChunk{Done: true})
}
