package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/chat"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/persistence"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stt"
)

const (
	downloadAttempts = 3
	embedBatchSize   = 32

	// Connection-level image failures are retried; model failures are not.
	imageRetryDelay  = 30 * time.Second
	maxImageAttempts = 20

	// Summaries are best effort; cap the prompt so a huge document cannot
	// blow the text model's context.
	summaryInputLimit = 2000
)

// downloadRetryBase is the first backoff step; doubled on each retry.
var downloadRetryBase = time.Second

// fetchWithRetry downloads through the master with exponential backoff; the
// master may still be flushing the upload to disk when the task arrives.
func fetchWithRetry(ctx context.Context, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(downloadRetryBase << (attempt - 1)):
			}
		}
		data, err := fetch(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", downloadAttempts, lastErr)
}

// runIngest downloads, chunks, embeds and stores one document, then flips its
// record to INDEXED with a best-effort summary.
func (r *Runner) runIngest(ctx context.Context, env *broker.Envelope) error {
	var task broker.IngestTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("bad ingest payload: %w", err)
	}

	fail := func(err error) error {
		r.progress.Failed(ctx, progress.KindRAG, env.ID, err.Error())
		if ferr := r.master.FinalizeDocument(ctx, task.DocumentID, persistence.DocStatusError, ""); ferr != nil {
			logger.Warn("failed to mark document errored", "document_id", task.DocumentID, "error", ferr)
		}
		return err
	}

	r.progress.Processing(ctx, progress.KindRAG, env.ID, 5, "task started")

	data, err := fetchWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return r.master.FetchDocumentFile(ctx, task.FileName)
	})
	if err != nil {
		return fail(err)
	}
	r.progress.Processing(ctx, progress.KindRAG, env.ID, 20, "file downloaded")

	chunks := splitChunks(extractText(data))
	if len(chunks) == 0 {
		return fail(fmt.Errorf("no indexable text in %s", task.Source))
	}
	r.progress.Processing(ctx, progress.KindRAG, env.ID, 35,
		fmt.Sprintf("parsed %d chunks", len(chunks)))

	// Embedding dominates the runtime; spread 50..80 over the batches.
	embeddings := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		vecs, err := r.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return fail(fmt.Errorf("embedding failed: %w", err))
		}
		embeddings = append(embeddings, vecs...)

		pct := 50 + 30*end/len(chunks)
		r.progress.Processing(ctx, progress.KindRAG, env.ID, pct,
			fmt.Sprintf("embedded %d/%d chunks", end, len(chunks)))
	}

	metadatas := make([]map[string]any, len(chunks))
	for i := range metadatas {
		metadatas[i] = map[string]any{"source": task.Source}
	}
	if err := r.master.StoreVectors(ctx, embeddings, chunks, metadatas); err != nil {
		return fail(fmt.Errorf("vector store failed: %w", err))
	}
	r.progress.Processing(ctx, progress.KindRAG, env.ID, 90, "vectors stored")

	summary := r.generateSummary(ctx,
		"Summarize the following document in three sentences:\n"+clip(chunksPreview(chunks), summaryInputLimit))

	if err := r.master.FinalizeDocument(ctx, task.DocumentID, persistence.DocStatusIndexed, summary); err != nil {
		return fail(fmt.Errorf("failed to finalize document: %w", err))
	}

	r.progress.Completed(ctx, progress.KindRAG, env.ID, "indexing complete")
	logger.Info("document indexed", "document_id", task.DocumentID, "chunks", len(chunks))
	return nil
}

// runImageGen renders one image and hands it back to the master. Host
// connection failures reschedule the task; anything else fails the record.
func (r *Runner) runImageGen(ctx context.Context, env *broker.Envelope) error {
	var task broker.ImageGenTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("bad image-gen payload: %w", err)
	}

	fail := func(err error) error {
		r.progress.Failed(ctx, progress.KindImage, env.ID, err.Error())
		if ferr := r.master.FailImage(ctx, task.ImageID); ferr != nil {
			logger.Warn("failed to mark image errored", "image_id", task.ImageID, "error", ferr)
		}
		return err
	}

	r.progress.Processing(ctx, progress.KindImage, env.ID, 35, "model ready")

	prompt := task.Prompt
	if task.Style != "" {
		prompt += ", " + task.Style
	}

	r.progress.Processing(ctx, progress.KindImage, env.ID, 50, "rendering")
	img, err := r.image.Generate(ctx, prompt)
	if err != nil {
		if isConnectionError(err) {
			return r.scheduleImageRetry(ctx, env, task, err)
		}
		return fail(fmt.Errorf("render failed: %w", err))
	}

	r.progress.Processing(ctx, progress.KindImage, env.ID, 90, "uploading result")
	if err := r.master.UploadImage(ctx, task.ImageID, img); err != nil {
		if isConnectionError(err) {
			return r.scheduleImageRetry(ctx, env, task, err)
		}
		return fail(fmt.Errorf("upload failed: %w", err))
	}

	r.progress.Completed(ctx, progress.KindImage, env.ID, "image ready")
	logger.Info("image rendered", "image_id", task.ImageID)
	return nil
}

// scheduleImageRetry re-enqueues the task with a bumped attempt counter, or
// fails it once the bound is hit.
func (r *Runner) scheduleImageRetry(ctx context.Context, env *broker.Envelope, task broker.ImageGenTask, cause error) error {
	task.Attempt++
	if task.Attempt >= maxImageAttempts {
		r.progress.Failed(ctx, progress.KindImage, env.ID, "image host unreachable")
		if err := r.master.FailImage(ctx, task.ImageID); err != nil {
			logger.Warn("failed to mark image errored", "image_id", task.ImageID, "error", err)
		}
		return fmt.Errorf("image host unreachable after %d attempts: %w", task.Attempt, cause)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal retry payload: %w", err)
	}
	retry := &broker.Envelope{Name: env.Name, ID: env.ID, Payload: payload}
	r.broker.RequeueAfter(retry, imageRetryDelay)

	r.progress.Processing(ctx, progress.KindImage, env.ID, 50,
		fmt.Sprintf("connection error, retrying (%d/%d)", task.Attempt, maxImageAttempts))
	logger.Warn("image host connection error, retry scheduled",
		"image_id", task.ImageID, "attempt", task.Attempt, "error", cause)
	return errRetryScheduled
}

// connectionErrorMarkers are the substrings that classify a failure as
// transport-level rather than a model error.
var connectionErrorMarkers = []string{"connection", "refused", "disconnect", "resolve", "lost"}

func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// runTranscribe turns one recording into a timestamped transcript.
func (r *Runner) runTranscribe(ctx context.Context, env *broker.Envelope) error {
	var task broker.TranscribeTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("bad transcribe payload: %w", err)
	}

	fail := func(err error) error {
		r.progress.Failed(ctx, progress.KindSTT, env.ID, err.Error())
		if ferr := r.master.FailMeeting(ctx, task.MeetingID); ferr != nil {
			logger.Warn("failed to mark meeting errored", "meeting_id", task.MeetingID, "error", ferr)
		}
		return err
	}

	r.progress.Processing(ctx, progress.KindSTT, env.ID, 5, "task started")

	audio, err := fetchWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return r.master.FetchMeetingFile(ctx, task.FileName)
	})
	if err != nil {
		return fail(err)
	}
	r.progress.Processing(ctx, progress.KindSTT, env.ID, 20, "file downloaded")
	r.progress.Processing(ctx, progress.KindSTT, env.ID, 35, "model ready")

	segments, err := r.stt.Transcribe(ctx, audio, task.FileName)
	if err != nil {
		return fail(fmt.Errorf("transcription failed: %w", err))
	}
	if len(segments) == 0 {
		return fail(fmt.Errorf("no speech found in %s", task.FileName))
	}
	r.progress.Processing(ctx, progress.KindSTT, env.ID, 80, "transcribed")

	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s ~ %s] %s",
			stt.Timestamp(seg.Start), stt.Timestamp(seg.End), text))
	}
	transcript := strings.Join(lines, "\n")
	duration := segments[len(segments)-1].End

	summary := r.generateSummary(ctx,
		"Summarize the key points of this meeting transcript:\n"+clip(transcript, summaryInputLimit))
	r.progress.Processing(ctx, progress.KindSTT, env.ID, 90, "transcript ready")

	if err := r.master.CompleteMeeting(ctx, task.MeetingID, transcript, duration, summary); err != nil {
		return fail(fmt.Errorf("failed to finalize meeting: %w", err))
	}

	r.progress.Completed(ctx, progress.KindSTT, env.ID, "transcription complete")
	logger.Info("meeting transcribed", "meeting_id", task.MeetingID, "segments", len(segments))
	return nil
}

// runSaveChat forwards a finished turn to the master for persistence.
func (r *Runner) runSaveChat(ctx context.Context, env *broker.Envelope) error {
	var task chat.SaveChatTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("bad save-chat payload: %w", err)
	}
	return r.master.SaveChat(ctx, task.SessionID, task.UserMessage, task.AIMessage)
}

// runUpdateSummary fuses evicted turns into the session summary. On failure
// the stored summary is left untouched; the next eviction carries new turns.
func (r *Runner) runUpdateSummary(ctx context.Context, env *broker.Envelope) error {
	var task statestore.SummaryTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("bad update-summary payload: %w", err)
	}

	fused, err := r.summarizer.Summarize(ctx, task.Summary, task.Oldest)
	if err != nil {
		return err
	}
	return r.master.SetSummary(ctx, task.SessionID, fused)
}

// runReleaseGPUIdle runs the idle check and refreshes the active-model gauge.
func (r *Runner) runReleaseGPUIdle(ctx context.Context) {
	result := r.arbiter.ReleaseIfIdle(ctx)
	if result.Status == "released" {
		logger.Info("gpu released after idle period", "model", result.Model)
	}
	r.metrics.SetActiveModel(string(r.arbiter.CurrentStatus(ctx).ActiveModel))
}

// generateSummary asks the master's text model for a summary; failures only
// cost the summary, never the task.
func (r *Runner) generateSummary(ctx context.Context, prompt string) string {
	out, err := r.master.Generate(ctx, prompt)
	if err != nil {
		logger.Warn("summary generation skipped", "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

func chunksPreview(chunks []string) string {
	if len(chunks) > 4 {
		chunks = chunks[:4]
	}
	return strings.Join(chunks, "\n")
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
