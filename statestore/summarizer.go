package statestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/organbird/dot-project/llm"
)

// maxSummaryLen bounds the rolling summary so prompt overhead stays flat no
// matter how long a session runs.
const maxSummaryLen = 200

// Summarizer fuses the existing summary with evicted turns into a new one.
type Summarizer interface {
	Summarize(ctx context.Context, current string, evicted []Turn) (string, error)
}

// LLMSummarizer produces summaries through a chat model.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer creates a summarizer backed by the given provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: provider}
}

// Summarize asks the model for a fused summary of at most maxSummaryLen
// characters. The model's output is clipped if it overshoots.
func (s *LLMSummarizer) Summarize(ctx context.Context, current string, evicted []Turn) (string, error) {
	var sb strings.Builder
	sb.WriteString("Update the running conversation summary.\n")
	if current != "" {
		sb.WriteString("Current summary: ")
		sb.WriteString(current)
		sb.WriteString("\n")
	}
	sb.WriteString("New messages:\n")
	for _, t := range evicted {
		fmt.Fprintf(&sb, "%s: %s\n", t.Sender, t.Content)
	}
	fmt.Fprintf(&sb, "Reply with only the updated summary, at most %d characters.", maxSummaryLen)

	out, err := s.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}

	out = strings.TrimSpace(out)
	if runes := []rune(out); len(runes) > maxSummaryLen {
		out = string(runes[:maxSummaryLen])
	}
	return out, nil
}
