package server

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/persistence"
	"github.com/organbird/dot-project/progress"
)

var audioExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true,
	".ogg": true, ".flac": true, ".webm": true,
}

type imageGenerateRequest struct {
	UserID int64  `json:"user_id"`
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Size   string `json:"size,omitempty"`
}

func (s *Server) handleImageGenerate(w http.ResponseWriter, r *http.Request) {
	var req imageGenerateRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID <= 0 || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "user_id and prompt are required")
		return
	}
	ctx := r.Context()

	img, err := s.images.CreateImage(ctx, persistence.Image{
		UserID: req.UserID,
		Prompt: req.Prompt,
		Style:  req.Style,
		Size:   req.Size,
		Status: persistence.ImageStatusPending,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record image request")
		return
	}

	taskID, err := s.broker.Submit(ctx, broker.TaskImageGen, broker.ImageGenTask{
		ImageID: img.ID,
		Prompt:  req.Prompt,
		Style:   req.Style,
		Size:    req.Size,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to submit image task")
		return
	}

	logger.Info("image generation requested", "image_id", img.ID, "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"image_id": img.ID,
		"taskId":   taskID,
	})
}

func (s *Server) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	s.writeProgress(w, r, progress.KindImage)
}

// handleImageUpload receives the rendered PNG from the worker and finalizes
// the image record.
func (s *Server) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	orig, path, size, err := s.saveUpload(r, map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	imageID, err := strconv.ParseInt(r.FormValue("image_id"), 10, 64)
	if err != nil || imageID <= 0 {
		writeError(w, http.StatusBadRequest, "image_id is required")
		return
	}

	name := filepath.Base(path)
	if err := s.images.FinalizeImage(r.Context(), imageID, path, name, size); err != nil {
		notFoundOrInternal(w, err, "image")
		return
	}

	logger.Info("image stored", "image_id", imageID, "file", name, "size", size, "prompt_file", orig)
	writeJSON(w, http.StatusOK, map[string]any{
		"file_path": path,
		"file_name": name,
		"file_size": size,
	})
}

func (s *Server) handleImageFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image id")
		return
	}
	if err := s.images.FailImage(r.Context(), id); err != nil {
		notFoundOrInternal(w, err, "image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleMeetingUpload(w http.ResponseWriter, r *http.Request) {
	orig, path, size, err := s.saveUpload(r, audioExts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	m, err := s.meetings.CreateMeeting(ctx, persistence.Meeting{
		FileName: orig,
		FilePath: path,
		FileSize: size,
		Status:   persistence.MeetingStatusProcessing,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record meeting")
		return
	}

	taskID, err := s.broker.Submit(ctx, broker.TaskTranscribe, broker.TranscribeTask{
		MeetingID: m.ID,
		FileName:  filepath.Base(path),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to submit transcription task")
		return
	}

	logger.Info("meeting uploaded", "meeting_id", m.ID, "file", orig, "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"meeting_id": m.ID,
		"sttTaskId":  taskID,
	})
}

func (s *Server) handleMeetingStatus(w http.ResponseWriter, r *http.Request) {
	s.writeProgress(w, r, progress.KindSTT)
}

func (s *Server) handleMeetingFile(w http.ResponseWriter, r *http.Request) {
	s.serveStoredFile(w, r)
}

type meetingCompleteRequest struct {
	Transcript string  `json:"transcript"`
	Duration   float64 `json:"duration"`
	Summary    string  `json:"summary,omitempty"`
}

// handleMeetingComplete is the worker's callback with the finished
// transcript.
func (s *Server) handleMeetingComplete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid meeting id")
		return
	}
	var req meetingCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := s.meetings.CompleteMeeting(r.Context(), id, req.Transcript, req.Duration, req.Summary); err != nil {
		notFoundOrInternal(w, err, "meeting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleMeetingFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid meeting id")
		return
	}
	if err := s.meetings.FailMeeting(r.Context(), id); err != nil {
		notFoundOrInternal(w, err, "meeting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}
