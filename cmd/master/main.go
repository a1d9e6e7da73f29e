// Command master runs the HTTP API node: chat streaming, document, image and
// meeting pipelines, the internal endpoints the worker calls back into, and
// GPU monitoring. All heavy lifting is queued to the worker node through the
// shared Redis instance.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/organbird/dot-project/server"
	"github.com/organbird/dot-project/statestore"
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

	var chats persistence.ChatStore
	var docs persistence.DocumentStore
	var meetings persistence.MeetingStore
	var images persistence.ImageStore
	if cfg.PostgresURL != "" {
		pg, err := persistence.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		chats, docs, meetings, images = pg, pg, pg, pg
	} else {
		logger.Warn("no POSTGRES_URL set, using in-memory persistence")
		mem := persistence.NewMemoryStore()
		chats, docs, meetings, images = mem, mem, mem, mem
	}

	br := broker.New(store)
	index := rag.NewIndex()
	provider := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMModel)
	embedder := llm.NewOpenAIEmbedder(cfg.EmbedBaseURL, cfg.EmbedModel)
	met := metrics.New()

	sessions := statestore.New(statestore.Config{
		KV:        store,
		Chats:     chats,
		Broker:    br,
		Window:    cfg.WindowSize,
		Threshold: cfg.ResummarizeAt,
		TTL:       cfg.ContextTTL,
	})
	orch := chat.New(chat.Config{
		KV:       store,
		Index:    index,
		Embedder: embedder,
		Provider: provider,
		Broker:   br,
		Sessions: sessions,
		Chats:    chats,
		TopK:     cfg.RAGTopK,
		ScoreMax: cfg.RAGScoreMax,
	})

	srv := server.New(server.Deps{
		Config:   cfg,
		KV:       store,
		Broker:   br,
		Orch:     orch,
		Sessions: sessions,
		Chats:    chats,
		Docs:     docs,
		Meetings: meetings,
		Images:   images,
		Index:    index,
		Provider: provider,
		Progress: progress.NewReporter(store, cfg.TaskTTL),
		Metrics:  met,
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, met)
	}

	if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("master stopped")
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
