// Command worker runs the GPU node: it consumes the task queues, arbitrates
// the shared GPU between the image and transcription models, and reports all
// results back to the master over its internal HTTP endpoints. The worker
// holds no database connection of its own.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/config"
	"github.com/organbird/dot-project/gpu"
	"github.com/organbird/dot-project/imagehost"
	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/metrics"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stt"
	"github.com/organbird/dot-project/worker"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	br := broker.New(store)
	master := worker.NewMasterClient(cfg.MasterBaseURL, cfg.LLMPollTimeout)
	image := imagehost.NewClient(cfg.ImageHostURL)
	engine := stt.NewWhisper(cfg.STTBaseURL)
	met := metrics.New()

	arbiter := gpu.New(gpu.Config{
		Store:       store,
		ImageHost:   worker.NewImageModelHost(image),
		STTHost:     worker.NewSTTModelHost(),
		ImageQueue:  broker.QueueImage,
		STTQueue:    broker.QueueSTT,
		MaxBatch:    cfg.GPUMaxBatch,
		IdleTimeout: cfg.GPUIdleTimeout,
		OnHandOff:   func(from, to gpu.Kind) { met.GPUHandOffs.Inc() },
	})

	runner := worker.New(worker.Deps{
		Config:     cfg,
		Broker:     br,
		Arbiter:    arbiter,
		Progress:   progress.NewReporter(store, cfg.TaskTTL),
		Master:     master,
		Embedder:   llm.NewOpenAIEmbedder(cfg.EmbedBaseURL, cfg.EmbedModel),
		STT:        engine,
		Image:      image,
		Summarizer: statestore.NewLLMSummarizer(llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMModel)),
		Metrics:    met,
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, met)
	}

	if err := runner.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func serveMetrics(addr string, met *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("metrics exporter listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics exporter failed", "error", err)
	}
}
