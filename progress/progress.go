// Package progress provides the uniform task progress surface shared by the
// ingest, image and STT pipelines. Records live in the KV store under
// "{kind}_task:{id}:progress" and expire on their own.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/logger"
)

// Task kinds. The kind is part of the key so the status endpoints of the
// three pipelines never collide even when task ids do.
const (
	KindRAG   = "rag"
	KindImage = "image"
	KindSTT   = "stt"
)

// Task statuses. Status is monotonic: a task never returns from processing
// to pending, and terminal states are final.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Record is one task's progress snapshot.
type Record struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// Terminal reports whether the record is in a final state.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Reporter writes and reads progress records with a fixed TTL.
type Reporter struct {
	store kv.Store
	ttl   time.Duration
}

// NewReporter creates a reporter. ttl bounds how long records outlive their
// last update.
func NewReporter(store kv.Store, ttl time.Duration) *Reporter {
	return &Reporter{store: store, ttl: ttl}
}

func key(kind, taskID string) string {
	return fmt.Sprintf("%s_task:%s:progress", kind, taskID)
}

// Report writes a progress update. Within a task the percent is clamped to be
// non-decreasing until a terminal status; a failure resets it to 0 alongside
// the failure message.
func (r *Reporter) Report(ctx context.Context, kind, taskID string, percent int, message, status string) error {
	if status != StatusFailed {
		if prev, err := r.Read(ctx, kind, taskID); err == nil && !prev.Terminal() && percent < prev.Progress {
			percent = prev.Progress
		}
	}

	rec := Record{Status: status, Progress: percent, Message: message}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal progress record: %w", err)
	}
	if err := r.store.Set(ctx, key(kind, taskID), string(data), r.ttl); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	logger.Debug("progress", "kind", kind, "task_id", taskID, "percent", percent, "status", status, "message", message)
	return nil
}

// Processing is shorthand for a non-terminal update.
func (r *Reporter) Processing(ctx context.Context, kind, taskID string, percent int, message string) {
	if err := r.Report(ctx, kind, taskID, percent, message, StatusProcessing); err != nil {
		logger.Warn("progress update failed", "kind", kind, "task_id", taskID, "error", err)
	}
}

// Completed marks the task done at 100%.
func (r *Reporter) Completed(ctx context.Context, kind, taskID, message string) {
	if err := r.Report(ctx, kind, taskID, 100, message, StatusCompleted); err != nil {
		logger.Warn("progress update failed", "kind", kind, "task_id", taskID, "error", err)
	}
}

// Failed marks the task failed, carrying the error message.
func (r *Reporter) Failed(ctx context.Context, kind, taskID, message string) {
	if err := r.Report(ctx, kind, taskID, 0, message, StatusFailed); err != nil {
		logger.Warn("progress update failed", "kind", kind, "task_id", taskID, "error", err)
	}
}

// Read returns the record for (kind, taskID), or the default pending record
// when none exists. Absence is not an error: the task may simply not have
// started reporting yet.
func (r *Reporter) Read(ctx context.Context, kind, taskID string) (Record, error) {
	raw, ok, err := r.store.Get(ctx, key(kind, taskID))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{Status: StatusPending, Progress: 0, Message: "waiting"}, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal progress record: %w", err)
	}
	return rec, nil
}
