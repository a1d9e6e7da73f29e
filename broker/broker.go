// Package broker moves task envelopes between the master and the worker over
// named FIFO queues in the shared KV store.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/logger"
)

// Queue names. Each is a plain list key in the shared store so the GPU
// arbiter can inspect pending depth with LLEN.
const (
	QueueDefault = "queue:default"
	QueueImage   = "queue:gpu_image"
	QueueSTT     = "queue:gpu_stt"
)

// Task names understood by the worker.
const (
	TaskIngest         = "ingest"
	TaskImageGen       = "image-gen"
	TaskTranscribe     = "transcribe"
	TaskSaveChat       = "save-chat"
	TaskUpdateSummary  = "update-summary"
	TaskReleaseGPUIdle = "release-gpu-if-idle"
)

// QueueFor returns the queue a task name routes to. GPU-bound tasks get their
// own single-consumer queues; everything else shares the default queue.
func QueueFor(name string) string {
	switch name {
	case TaskImageGen:
		return QueueImage
	case TaskTranscribe:
		return QueueSTT
	default:
		return QueueDefault
	}
}

// Envelope is the wire format for one task.
type Envelope struct {
	Name    string          `json:"name"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Broker submits and receives task envelopes.
type Broker struct {
	store kv.Store
}

// New creates a broker over the shared store.
func New(store kv.Store) *Broker {
	return &Broker{store: store}
}

// Submit enqueues a named task and returns its fresh task id. Submission
// fails only when the store is unavailable.
func (b *Broker) Submit(ctx context.Context, name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}

	env := Envelope{
		Name:    name,
		ID:      uuid.NewString(),
		Payload: data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task envelope: %w", err)
	}

	if err := b.store.RPush(ctx, QueueFor(name), string(raw)); err != nil {
		return "", fmt.Errorf("failed to enqueue task %s: %w", name, err)
	}

	logger.Debug("task submitted", "name", name, "task_id", env.ID, "queue", QueueFor(name))
	return env.ID, nil
}

// Requeue puts an existing envelope back on its queue, preserving the task id.
// Used by runners when GPU admission is refused.
func (b *Broker) Requeue(ctx context.Context, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal task envelope: %w", err)
	}
	if err := b.store.RPush(ctx, QueueFor(env.Name), string(raw)); err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", env.Name, err)
	}
	return nil
}

// RequeueAfter re-enqueues the envelope once delay has elapsed. The delay
// timer is in-process; if the worker dies during the countdown the task is
// lost with the rest of its in-flight state, which matches the at-most-once
// contract.
func (b *Broker) RequeueAfter(env *Envelope, delay time.Duration) {
	envCopy := *env
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Requeue(ctx, &envCopy); err != nil {
			logger.Error("delayed requeue failed", "name", envCopy.Name, "task_id", envCopy.ID, "error", err)
		}
	})
}

// Receive pops one envelope from the queue, waiting up to timeout. A nil
// envelope with nil error means nothing arrived (or a poison message was
// dropped); callers just loop.
func (b *Broker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	raw, ok, err := b.store.BLPop(ctx, queue, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Warn("dropping undecodable task envelope", "queue", queue, "error", err)
		return nil, nil
	}
	if env.Name == "" {
		logger.Warn("dropping task envelope without a name", "queue", queue)
		return nil, nil
	}
	return &env, nil
}

// PendingLen returns the number of tasks waiting on the queue.
func (b *Broker) PendingLen(ctx context.Context, queue string) (int64, error) {
	return b.store.LLen(ctx, queue)
}
