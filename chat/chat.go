// Package chat orchestrates one conversational turn: retrieve supporting
// chunks, assemble the prompt from the session context, stream tokens from
// the model into the session's stream buffer, and persist the finished turn.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/persistence"
	"github.com/organbird/dot-project/rag"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stream"
)

// produceTimeout bounds one full producer run, generation included.
const produceTimeout = 5 * time.Minute

// SaveChatTask is the payload of a save-chat task submitted after a
// successfully finished turn.
type SaveChatTask struct {
	SessionID   int64  `json:"session_id"`
	UserMessage string `json:"user_message"`
	AIMessage   string `json:"ai_message"`
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	kv       kv.Store
	index    *rag.Index
	embedder llm.Embedder
	provider llm.Provider
	broker   *broker.Broker
	sessions *statestore.Store
	chats    persistence.ChatStore
	topK     int
	scoreMax float64
}

// Config wires the orchestrator.
type Config struct {
	KV       kv.Store
	Index    *rag.Index
	Embedder llm.Embedder
	Provider llm.Provider
	Broker   *broker.Broker
	Sessions *statestore.Store
	Chats    persistence.ChatStore
	TopK     int
	ScoreMax float64
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		kv:       cfg.KV,
		index:    cfg.Index,
		embedder: cfg.Embedder,
		provider: cfg.Provider,
		broker:   cfg.Broker,
		sessions: cfg.Sessions,
		chats:    cfg.Chats,
		topK:     cfg.TopK,
		scoreMax: cfg.ScoreMax,
	}
}

// StartTurn launches the producer for one turn and returns immediately. The
// caller attaches a stream consumer to read the result.
func (o *Orchestrator) StartTurn(sessionID int64, userMsg string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
		defer cancel()
		o.produce(ctx, sessionID, userMsg)
	}()
}

// retrieve returns the chunks supporting the message, or nil when nothing
// relevant is indexed.
func (o *Orchestrator) retrieve(ctx context.Context, userMsg string) ([]rag.Match, error) {
	if o.index.Len() == 0 {
		return nil, nil
	}
	vectors, err := o.embedder.Embed(ctx, []string{userMsg})
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	return o.index.SearchWithScore(vectors[0], o.topK, o.scoreMax), nil
}

// buildPrompt wraps the user message with retrieved context when any chunk
// survived the score threshold.
func buildPrompt(userMsg string, matches []rag.Match) string {
	if len(matches) == 0 {
		return userMsg
	}
	chunks := make([]string, len(matches))
	for i, m := range matches {
		chunks[i] = m.Text
	}
	return "[context]\n" + strings.Join(chunks, "\n") + "\n[question]\n" + userMsg
}

// buildMessages turns the cached session context plus the prompt into the
// model's message list. The rolling summary rides as a system message.
func buildMessages(sctx statestore.Context, prompt string) llm.ChatRequest {
	req := llm.ChatRequest{}
	if sctx.Summary != "" {
		req.System = "Conversation so far: " + sctx.Summary
	}
	for _, turn := range sctx.Messages {
		role := "user"
		if turn.Sender == persistence.SenderAI {
			role = "assistant"
		}
		req.Messages = append(req.Messages, llm.Message{Role: role, Content: turn.Content})
	}
	req.Messages = append(req.Messages, llm.Message{Role: "user", Content: prompt})
	return req
}

// produce runs one turn end to end, feeding the session's stream buffer.
// Every exit path pushes exactly one terminal frame; only the natural end
// persists the turn.
func (o *Orchestrator) produce(ctx context.Context, sessionID int64, userMsg string) {
	p := stream.NewProducer(o.kv, sessionID)
	if err := p.Begin(ctx); err != nil {
		logger.Error("failed to reset stream buffer", "session_id", sessionID, "error", err)
		return
	}

	matches, err := o.retrieve(ctx, userMsg)
	if err != nil {
		logger.Error("retrieval failed", "session_id", sessionID, "error", err)
		p.Error(ctx, err.Error())
		return
	}
	if len(matches) > 0 {
		docsJSON, err := json.Marshal(matches)
		if err == nil {
			p.Docs(ctx, string(docsJSON))
		}
	}

	sctx, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		logger.Error("failed to load session context", "session_id", sessionID, "error", err)
		p.Error(ctx, err.Error())
		return
	}

	tokens, err := o.provider.ChatStream(ctx, buildMessages(sctx, buildPrompt(userMsg, matches)))
	if err != nil {
		p.Error(ctx, err.Error())
		return
	}

	var answer strings.Builder
	for chunk := range tokens {
		if chunk.Err != nil {
			p.Error(ctx, chunk.Err.Error())
			return
		}
		if chunk.Token != "" {
			if p.StopRequested(ctx) {
				logger.Info("chat turn cancelled", "session_id", sessionID)
				p.Stopped(ctx)
				return
			}
			answer.WriteString(chunk.Token)
			if err := p.Text(ctx, chunk.Token); err != nil {
				logger.Error("failed to push token", "session_id", sessionID, "error", err)
				return
			}
		}
		if chunk.Done {
			break
		}
	}

	if err := p.Done(ctx); err != nil {
		logger.Error("failed to push terminal frame", "session_id", sessionID, "error", err)
		return
	}

	if _, err := o.broker.Submit(ctx, broker.TaskSaveChat, SaveChatTask{
		SessionID:   sessionID,
		UserMessage: userMsg,
		AIMessage:   answer.String(),
	}); err != nil {
		logger.Error("failed to submit save-chat task", "session_id", sessionID, "error", err)
	}
}

// Answer runs a blocking retrieval-augmented completion, for the non-stream
// endpoint. Returns the reply and the chunks it was grounded on.
func (o *Orchestrator) Answer(ctx context.Context, userMsg string) (string, []rag.Match, error) {
	matches, err := o.retrieve(ctx, userMsg)
	if err != nil {
		return "", nil, err
	}

	reply, err := o.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: buildPrompt(userMsg, matches)}},
	})
	if err != nil {
		return "", nil, err
	}
	return reply, matches, nil
}

// PersistTurn appends a finished turn to the durable store and the session
// cache. Called from the save-chat path.
func (o *Orchestrator) PersistTurn(ctx context.Context, sessionID int64, userMsg, aiMsg string) error {
	if _, err := o.chats.AppendMessages(ctx, sessionID, []persistence.Message{
		{Sender: persistence.SenderUser, Content: userMsg},
		{Sender: persistence.SenderAI, Content: aiMsg},
	}); err != nil {
		return fmt.Errorf("failed to persist turn: %w", err)
	}

	return o.sessions.Append(ctx, sessionID,
		statestore.Turn{Sender: persistence.SenderUser, Content: userMsg},
		statestore.Turn{Sender: persistence.SenderAI, Content: aiMsg})
}
