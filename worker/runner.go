// Package worker runs the GPU node: queue consumers, the task handlers for
// the three pipelines, and the beat that releases an idle GPU.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/config"
	"github.com/organbird/dot-project/gpu"
	"github.com/organbird/dot-project/imagehost"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/metrics"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stt"
)

const (
	receiveTimeout = time.Second
	beatInterval   = 30 * time.Second
)

// errRetryScheduled signals that a handler re-enqueued its own task (image
// connection retry); the run counts as requeued, not failed.
var errRetryScheduled = errors.New("retry scheduled")

// Runner consumes task queues and executes handlers.
type Runner struct {
	cfg        *config.Config
	broker     *broker.Broker
	arbiter    *gpu.Arbiter
	progress   *progress.Reporter
	master     *MasterClient
	embedder   llm.Embedder
	stt        stt.Engine
	image      *imagehost.Client
	summarizer statestore.Summarizer
	metrics    *metrics.Metrics
}

// Deps bundles the runner's dependencies.
type Deps struct {
	Config     *config.Config
	Broker     *broker.Broker
	Arbiter    *gpu.Arbiter
	Progress   *progress.Reporter
	Master     *MasterClient
	Embedder   llm.Embedder
	STT        stt.Engine
	Image      *imagehost.Client
	Summarizer statestore.Summarizer
	Metrics    *metrics.Metrics
}

// New creates a runner.
func New(d Deps) *Runner {
	return &Runner{
		cfg:        d.Config,
		broker:     d.Broker,
		arbiter:    d.Arbiter,
		progress:   d.Progress,
		master:     d.Master,
		embedder:   d.Embedder,
		stt:        d.STT,
		image:      d.Image,
		summarizer: d.Summarizer,
		metrics:    d.Metrics,
	}
}

// Run starts one consumer per GPU queue, the configured number of default
// consumers, and the beat. It blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.consume(ctx, broker.QueueImage) })
	g.Go(func() error { return r.consume(ctx, broker.QueueSTT) })

	parallel := r.cfg.WorkerParallel
	if parallel < 1 {
		parallel = 1
	}
	for i := 0; i < parallel; i++ {
		g.Go(func() error { return r.consume(ctx, broker.QueueDefault) })
	}

	g.Go(func() error { return r.beat(ctx) })

	logger.Info("worker started",
		"default_consumers", parallel, "image_consumers", 1, "stt_consumers", 1)
	return g.Wait()
}

func (r *Runner) consume(ctx context.Context, queue string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		env, err := r.broker.Receive(ctx, queue, receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("queue receive failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if env == nil {
			continue
		}
		r.dispatch(ctx, env)
	}
}

// progressKindFor maps GPU-visible tasks to their progress namespace.
func progressKindFor(name string) string {
	switch name {
	case broker.TaskIngest:
		return progress.KindRAG
	case broker.TaskImageGen:
		return progress.KindImage
	case broker.TaskTranscribe:
		return progress.KindSTT
	default:
		return ""
	}
}

// dispatch executes one envelope, recording the outcome. Panics are contained
// to the task: the record is marked failed and the consumer keeps going.
func (r *Runner) dispatch(ctx context.Context, env *broker.Envelope) {
	start := time.Now()
	outcome := metrics.OutcomeCompleted

	defer func() {
		if p := recover(); p != nil {
			logger.Error("task panicked", "name", env.Name, "task_id", env.ID, "panic", p)
			outcome = metrics.OutcomeFailed
			if kind := progressKindFor(env.Name); kind != "" {
				r.progress.Failed(ctx, kind, env.ID, "internal error")
			}
		}
		r.metrics.ObserveTask(env.Name, outcome, time.Since(start))
	}()

	var err error
	switch env.Name {
	case broker.TaskIngest:
		err = r.runIngest(ctx, env)
	case broker.TaskImageGen:
		outcome = r.withGPU(ctx, env, gpu.KindImage, r.runImageGen)
		return
	case broker.TaskTranscribe:
		outcome = r.withGPU(ctx, env, gpu.KindSTT, r.runTranscribe)
		return
	case broker.TaskSaveChat:
		err = r.runSaveChat(ctx, env)
	case broker.TaskUpdateSummary:
		err = r.runUpdateSummary(ctx, env)
	case broker.TaskReleaseGPUIdle:
		r.runReleaseGPUIdle(ctx)
	default:
		logger.Warn("dropping unknown task", "name", env.Name, "task_id", env.ID)
	}
	if err != nil {
		logger.Error("task failed", "name", env.Name, "task_id", env.ID, "error", err)
		outcome = metrics.OutcomeFailed
	}
}

// withGPU wraps a GPU-bound handler with admission control. Refusal is not a
// failure: the envelope re-enters its queue after the retry countdown.
// AfterTask runs exactly once per admitted task, panic included.
func (r *Runner) withGPU(ctx context.Context, env *broker.Envelope, kind gpu.Kind, fn func(context.Context, *broker.Envelope) error) string {
	if !r.arbiter.TryAcquire(ctx, kind) {
		logger.Info("gpu busy, rescheduling task",
			"name", env.Name, "task_id", env.ID, "delay", r.cfg.GPURetryCountdown)
		r.broker.RequeueAfter(env, r.cfg.GPURetryCountdown)
		return metrics.OutcomeRequeued
	}
	defer r.arbiter.AfterTask(ctx, kind)

	err := fn(ctx, env)
	if errors.Is(err, errRetryScheduled) {
		return metrics.OutcomeRequeued
	}
	if err != nil {
		logger.Error("task failed", "name", env.Name, "task_id", env.ID, "error", err)
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeCompleted
}

// beat periodically submits the idle-release task and refreshes the observed
// GPU gauges.
func (r *Runner) beat(ctx context.Context) error {
	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := r.broker.Submit(ctx, broker.TaskReleaseGPUIdle, struct{}{}); err != nil {
			logger.Warn("failed to submit idle-release task", "error", err)
		}

		status := r.arbiter.CurrentStatus(ctx)
		r.metrics.SetActiveModel(string(status.ActiveModel))
		r.metrics.QueueDepth.WithLabelValues(broker.QueueImage).Set(float64(status.ImagePending))
		r.metrics.QueueDepth.WithLabelValues(broker.QueueSTT).Set(float64(status.STTPending))
	}
}
