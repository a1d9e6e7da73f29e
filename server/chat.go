package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/metrics"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stream"
)

type createSessionRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sess, err := s.chats.CreateSession(r.Context(), req.UserID)
	if err != nil {
		notFoundOrInternal(w, err, "session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"session_id": sess.ID})
}

type chatStreamRequest struct {
	SessionID int64  `json:"session_id"`
	Message   string `json:"message"`
}

// handleChatStream starts a producer for the turn and relays the session's
// stream buffer as an event stream. The natural end closes the response with
// no extra frame; cancellation and failure are surfaced inline.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID <= 0 || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	if _, err := s.chats.GetSession(r.Context(), req.SessionID); err != nil {
		notFoundOrInternal(w, err, "session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.orch.StartTurn(req.SessionID, req.Message)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	outcome := metrics.OutcomeCompleted
	consumer := stream.NewConsumer(s.kv, req.SessionID, s.cfg.StreamIdleLimit)
	err := consumer.Consume(r.Context(), func(f stream.Frame) error {
		switch f.Tag {
		case stream.TagDocs:
			fmt.Fprintf(w, "DOCS_DATA:%s\n\n", f.Payload)
		case stream.TagText:
			fmt.Fprintf(w, "TEXT_DATA:%s\n\n", f.Payload)
			s.metrics.StreamTokens.Inc()
		case stream.TagStopped:
			fmt.Fprint(w, "STOPPED_DATA:\n\n")
			outcome = "stopped"
		case stream.TagError:
			fmt.Fprintf(w, "ERROR_DATA:%s\n\n", f.Payload)
			outcome = metrics.OutcomeFailed
		case stream.TagDone:
			// Natural end: nothing on the wire, EOS terminates the stream.
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		logger.Warn("stream consumer failed", "session_id", req.SessionID, "error", err)
	}
	s.metrics.ChatTurns.WithLabelValues(outcome).Inc()
}

type chatStopRequest struct {
	SessionID int64 `json:"session_id"`
}

// handleChatStop arms the cancellation flag and terminates the live stream
// immediately: the buffer is cleared and a stopped frame pushed so the
// consumer does not wait out its poll.
func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var req chatStopRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	ctx := r.Context()

	if err := stream.RequestStop(ctx, s.kv, req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set stop flag")
		return
	}
	if err := s.kv.Del(ctx, stream.Key(req.SessionID)); err != nil {
		logger.Warn("failed to clear stream buffer on stop", "session_id", req.SessionID, "error", err)
	}
	if err := s.kv.RPush(ctx, stream.Key(req.SessionID), stream.Frame{Tag: stream.TagStopped}.Encode()); err != nil {
		logger.Warn("failed to push stop frame", "session_id", req.SessionID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sctx, err := s.sessions.Load(r.Context(), id)
	if err != nil {
		notFoundOrInternal(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, sctx)
}

type saveChatRequest struct {
	SessionID   int64  `json:"session_id"`
	UserMessage string `json:"user_message"`
	AIMessage   string `json:"ai_message"`
}

func (s *Server) handleInternalSaveChat(w http.ResponseWriter, r *http.Request) {
	var req saveChatRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.orch.PersistTurn(r.Context(), req.SessionID, req.UserMessage, req.AIMessage); err != nil {
		notFoundOrInternal(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

type setSummaryRequest struct {
	Summary string `json:"summary"`
}

func (s *Server) handleInternalSetSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req setSummaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := s.sessions.SetSummary(r.Context(), id, req.Summary); err != nil {
		notFoundOrInternal(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type aiChatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleAIChat(w http.ResponseWriter, r *http.Request) {
	var req aiChatRequest
	if err := decodeJSON(r, &req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, matches, err := s.orch.Answer(r.Context(), req.Message)
	if err != nil {
		logger.Error("non-stream chat failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":        reply,
		"context_used": matches,
	})
}

func llmResultKey(taskID string) string {
	return "llm_result:" + taskID
}

type llmResult struct {
	Status string `json:"status"` // processing | completed | failed
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) storeLLMResult(ctx context.Context, taskID string, res llmResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, llmResultKey(taskID), string(raw), s.cfg.LLMResultTTL); err != nil {
		logger.Warn("failed to store llm result", "task_id", taskID, "error", err)
	}
}

// handleAIGenerate runs a completion in the background and parks the result
// under a short-lived key. The worker's summary steps poll it so the GPU node
// never blocks on the text model.
func (s *Server) handleAIGenerate(w http.ResponseWriter, r *http.Request) {
	var req aiChatRequest
	if err := decodeJSON(r, &req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	taskID := uuid.NewString()
	s.storeLLMResult(r.Context(), taskID, llmResult{Status: "processing"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LLMPollTimeout)
		defer cancel()

		reply, err := s.provider.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{{Role: "user", Content: req.Message}},
		})
		if err != nil {
			s.storeLLMResult(ctx, taskID, llmResult{Status: "failed", Error: err.Error()})
			return
		}
		s.storeLLMResult(ctx, taskID, llmResult{Status: "completed", Result: reply})
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleAITaskResult(w http.ResponseWriter, r *http.Request) {
	raw, ok, err := s.kv.Get(r.Context(), llmResultKey(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	var res llmResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt result record")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type updateSummaryRequest struct {
	OldestMessageIDs []int64 `json:"oldest_message_ids"`
}

// handleUpdateSummary lets a client force the re-summary of specific
// messages; the heavy lifting still happens on the worker via the task queue.
func (s *Server) handleUpdateSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req updateSummaryRequest
	if err := decodeJSON(r, &req); err != nil || len(req.OldestMessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "oldest_message_ids is required")
		return
	}

	ctx := r.Context()
	sess, err := s.chats.GetSession(ctx, id)
	if err != nil {
		notFoundOrInternal(w, err, "session")
		return
	}
	msgs, err := s.chats.MessagesByID(ctx, id, req.OldestMessageIDs)
	if err != nil {
		notFoundOrInternal(w, err, "messages")
		return
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusNotFound, "messages not found")
		return
	}

	oldest := make([]statestore.Turn, 0, len(msgs))
	for _, m := range msgs {
		oldest = append(oldest, statestore.Turn{Sender: m.Sender, Content: m.Content})
	}

	taskID, err := s.broker.Submit(ctx, broker.TaskUpdateSummary, statestore.SummaryTask{
		SessionID: id,
		Summary:   sess.Summary,
		Oldest:    oldest,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted", "task_id": taskID})
}
