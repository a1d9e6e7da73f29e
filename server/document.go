package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/persistence"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/rag"
)

// maxUploadBytes caps multipart uploads (documents and recordings alike).
const maxUploadBytes = 200 << 20

var documentExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".txt": true, ".hwp": true,
}

// saveUpload streams one multipart file into the upload directory under a
// fresh name, returning the original name, stored path and size.
func (s *Server) saveUpload(r *http.Request, allowed map[string]bool) (orig, path string, size int64, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", "", 0, fmt.Errorf("invalid multipart body: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", 0, fmt.Errorf("file field is required: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowed[ext] {
		return "", "", 0, fmt.Errorf("unsupported file type %q", ext)
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("failed to prepare upload dir: %w", err)
	}

	stored := uuid.NewString() + ext
	path = filepath.Join(s.cfg.UploadDir, stored)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	size, err = io.Copy(dst, file)
	if err != nil {
		os.Remove(path)
		return "", "", 0, fmt.Errorf("failed to store file: %w", err)
	}
	return header.Filename, path, size, nil
}

func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	orig, path, size, err := s.saveUpload(r, documentExts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	doc, err := s.docs.CreateDocument(ctx, persistence.Document{
		FileName: orig,
		FilePath: path,
		FileSize: size,
		Status:   persistence.DocStatusIndexing,
	})
	if err != nil {
		os.Remove(path)
		writeError(w, http.StatusInternalServerError, "failed to record document")
		return
	}

	taskID, err := s.broker.Submit(ctx, broker.TaskIngest, broker.IngestTask{
		DocumentID: doc.ID,
		FileName:   filepath.Base(path),
		Source:     orig,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to submit ingest task")
		return
	}

	logger.Info("document uploaded", "document_id", doc.ID, "file", orig, "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": doc.ID,
		"ragTaskId":   taskID,
	})
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	s.writeProgress(w, r, progress.KindRAG)
}

func (s *Server) handleDocumentDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		notFoundOrInternal(w, err, "document")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.FileName))
	http.ServeFile(w, r, doc.FilePath)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	ctx := r.Context()

	doc, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		notFoundOrInternal(w, err, "document")
		return
	}

	removed := s.index.DeleteBySource(doc.FileName)
	if err := s.docs.DeleteDocument(ctx, id); err != nil {
		notFoundOrInternal(w, err, "document")
		return
	}
	if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove document file", "path", doc.FilePath, "error", err)
	}

	logger.Info("document deleted", "document_id", id, "vectors_removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "vectors_removed": removed})
}

// serveStoredFile returns a file from the upload directory by stored name.
// The name is reduced to its base so the worker cannot traverse out.
func (s *Server) serveStoredFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.PathValue("name"))
	path := filepath.Join(s.cfg.UploadDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleDocumentFile(w http.ResponseWriter, r *http.Request) {
	s.serveStoredFile(w, r)
}

type storeVectorsRequest struct {
	Embeddings [][]float32      `json:"embeddings"`
	Texts      []string         `json:"texts"`
	Metadatas  []map[string]any `json:"metadatas"`
}

// handleStoreVectors receives the worker's embedded chunks. The three arrays
// must line up; duplicates of already-indexed (source, text) pairs are
// silently skipped so retried ingest tasks stay idempotent.
func (s *Server) handleStoreVectors(w http.ResponseWriter, r *http.Request) {
	var req storeVectorsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.Embeddings) != len(req.Texts) || len(req.Texts) != len(req.Metadatas) {
		writeError(w, http.StatusBadRequest, "embeddings, texts and metadatas must have equal length")
		return
	}

	chunks := make([]rag.Chunk, len(req.Texts))
	for i, text := range req.Texts {
		source, _ := req.Metadatas[i]["source"].(string)
		chunks[i] = rag.Chunk{Source: source, Text: text}
	}

	added, err := s.index.Add(req.Embeddings, chunks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Info("vectors stored", "received", len(chunks), "added", added)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("stored %d vectors", added),
	})
}

type documentStatusUpdate struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// handleDocumentFinalize is the worker's callback to flip the document's
// indexing state and attach the generated summary.
func (s *Server) handleDocumentFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	var req documentStatusUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch req.Status {
	case persistence.DocStatusIndexed, persistence.DocStatusError, persistence.DocStatusIndexing:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	ctx := r.Context()

	if err := s.docs.UpdateDocumentStatus(ctx, id, req.Status); err != nil {
		notFoundOrInternal(w, err, "document")
		return
	}
	if req.Summary != "" {
		if err := s.docs.UpdateDocumentSummary(ctx, id, req.Summary); err != nil {
			logger.Warn("failed to store document summary", "document_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
