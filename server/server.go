// Package server implements the master node's HTTP API: chat streaming,
// uploads and status polling for the three pipelines, the internal endpoints
// the worker calls back into, and GPU monitoring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/chat"
	"github.com/organbird/dot-project/config"
	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/metrics"
	"github.com/organbird/dot-project/persistence"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/rag"
	"github.com/organbird/dot-project/statestore"
)

// readHeaderTimeout guards against slow-header clients.
const readHeaderTimeout = 10 * time.Second

// Server is the master HTTP node.
type Server struct {
	cfg      *config.Config
	kv       kv.Store
	broker   *broker.Broker
	orch     *chat.Orchestrator
	sessions *statestore.Store
	chats    persistence.ChatStore
	docs     persistence.DocumentStore
	meetings persistence.MeetingStore
	images   persistence.ImageStore
	index    *rag.Index
	provider llm.Provider
	progress *progress.Reporter
	metrics  *metrics.Metrics

	mux     *http.ServeMux
	httpSrv *http.Server
}

// Deps bundles everything the server needs.
type Deps struct {
	Config   *config.Config
	KV       kv.Store
	Broker   *broker.Broker
	Orch     *chat.Orchestrator
	Sessions *statestore.Store
	Chats    persistence.ChatStore
	Docs     persistence.DocumentStore
	Meetings persistence.MeetingStore
	Images   persistence.ImageStore
	Index    *rag.Index
	Provider llm.Provider
	Progress *progress.Reporter
	Metrics  *metrics.Metrics
}

// New creates the server and registers all routes.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		kv:       d.KV,
		broker:   d.Broker,
		orch:     d.Orch,
		sessions: d.Sessions,
		chats:    d.Chats,
		docs:     d.Docs,
		meetings: d.Meetings,
		images:   d.Images,
		index:    d.Index,
		provider: d.Provider,
		progress: d.Progress,
		metrics:  d.Metrics,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Chat
	s.mux.HandleFunc("POST /chat/sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	s.mux.HandleFunc("POST /chat/stop", s.handleChatStop)
	s.mux.HandleFunc("GET /chat/sessions/{id}/messages", s.handleSessionMessages)
	s.mux.HandleFunc("POST /chat/internal/save", s.handleInternalSaveChat)
	s.mux.HandleFunc("POST /chat/internal/sessions/{id}/summary", s.handleInternalSetSummary)

	// AI utilities
	s.mux.HandleFunc("POST /ai/chat", s.handleAIChat)
	s.mux.HandleFunc("POST /ai/chat/generate", s.handleAIGenerate)
	s.mux.HandleFunc("GET /ai/tasks/{id}", s.handleAITaskResult)
	s.mux.HandleFunc("POST /ai/sessions/{id}/update-summary", s.handleUpdateSummary)

	// Documents
	s.mux.HandleFunc("POST /document/upload", s.handleDocumentUpload)
	s.mux.HandleFunc("GET /document/status/{task_id}", s.handleDocumentStatus)
	s.mux.HandleFunc("GET /document/download/{id}", s.handleDocumentDownload)
	s.mux.HandleFunc("DELETE /document/{id}", s.handleDocumentDelete)
	s.mux.HandleFunc("GET /document/internal/file/{name}", s.handleDocumentFile)
	s.mux.HandleFunc("POST /document/internal/store-vectors", s.handleStoreVectors)
	s.mux.HandleFunc("POST /document/internal/{id}/status", s.handleDocumentFinalize)

	// Images
	s.mux.HandleFunc("POST /image/generate", s.handleImageGenerate)
	s.mux.HandleFunc("GET /image/status/{task_id}", s.handleImageStatus)
	s.mux.HandleFunc("POST /image/internal/upload", s.handleImageUpload)
	s.mux.HandleFunc("POST /image/internal/{id}/fail", s.handleImageFail)

	// Meetings
	s.mux.HandleFunc("POST /meeting/upload", s.handleMeetingUpload)
	s.mux.HandleFunc("GET /meeting/status/{task_id}", s.handleMeetingStatus)
	s.mux.HandleFunc("GET /meeting/internal/file/{name}", s.handleMeetingFile)
	s.mux.HandleFunc("POST /meeting/internal/{id}/complete", s.handleMeetingComplete)
	s.mux.HandleFunc("POST /meeting/internal/{id}/fail", s.handleMeetingFail)

	// Ops
	s.mux.HandleFunc("GET /monitoring/gpu", s.handleGPUStatus)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks serving the API until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("master API listening", "addr", s.cfg.ListenAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleGPUStatus reads the live GPU state straight from the shared store;
// the arbiter itself runs on the worker node.
func (s *Server) handleGPUStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active := "none"
	if v, ok, err := s.kv.Get(ctx, "gpu:active_model"); err == nil && ok {
		active = v
	}
	batch := 0
	if v, ok, err := s.kv.Get(ctx, "gpu:batch_count"); err == nil && ok {
		if n, err := strconv.Atoi(v); err == nil {
			batch = n
		}
	}
	imgPending, _ := s.broker.PendingLen(ctx, broker.QueueImage)
	sttPending, _ := s.broker.PendingLen(ctx, broker.QueueSTT)

	writeJSON(w, http.StatusOK, map[string]any{
		"active_model":        active,
		"batch_count":         batch,
		"max_batch":           s.cfg.GPUMaxBatch,
		"queue_image_pending": imgPending,
		"queue_stt_pending":   sttPending,
	})
}

// Shared HTTP helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathID parses a numeric path segment. Zero and negatives are rejected.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// notFoundOrInternal maps a store error to 404 or 500.
func notFoundOrInternal(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	logger.Error("storage failure", "what", what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// statusResponse is the shared shape of the three pipeline status endpoints.
func (s *Server) writeProgress(w http.ResponseWriter, r *http.Request, kind string) {
	rec, err := s.progress.Read(r.Context(), kind, r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
