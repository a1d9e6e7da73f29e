// Package config loads runtime configuration for the master and worker nodes
// from environment variables, with optional .env file support.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/organbird/dot-project/logger"
)

// Scheduling and caching tunables. These are deployment constants rather than
// per-request knobs; they can still be overridden through the environment.
const (
	DefaultGPUMaxBatch       = 5
	DefaultGPURetryCountdown = 5 * time.Second
	DefaultGPUIdleTimeout    = 30 * time.Second
	DefaultStreamIdleLimit   = 30 * time.Second
	DefaultContextTTL        = time.Hour
	DefaultTaskTTL           = 10 * time.Minute
	DefaultLLMResultTTL      = 5 * time.Minute
	DefaultWindowSize        = 10
	DefaultResummarizeAt     = 10
	DefaultRAGTopK           = 3
	DefaultRAGScoreMax       = 1.0
	DefaultLLMPollTimeout    = 120 * time.Second
)

// Config holds all settings shared by the master and worker processes.
type Config struct {
	// Node wiring
	ListenAddr    string // master HTTP listen address
	MetricsAddr   string // prometheus exporter address, empty disables
	MasterBaseURL string // worker -> master API base URL
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Postgres (business persistence)
	PostgresURL string

	// Model backends
	LLMBaseURL     string // OpenAI-compatible chat completions host
	LLMModel       string
	EmbedBaseURL   string // OpenAI-compatible embeddings host
	EmbedModel     string
	STTBaseURL     string // whisper-server host
	ImageHostURL   string // ComfyUI-style image host
	UploadDir      string // master-local file storage root
	WorkerParallel int    // consumers on the default queue

	// Scheduling / caching
	GPUMaxBatch       int
	GPURetryCountdown time.Duration
	GPUIdleTimeout    time.Duration
	StreamIdleLimit   time.Duration
	ContextTTL        time.Duration
	TaskTTL           time.Duration
	LLMResultTTL      time.Duration
	WindowSize        int
	ResummarizeAt     int
	RAGTopK           int
	RAGScoreMax       float64
	LLMPollTimeout    time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; a missing file is not an error.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env file", "error", err)
	}

	return &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8000"),
		MetricsAddr:   getEnv("METRICS_ADDR", ""),
		MasterBaseURL: getEnv("MASTER_API_URL", "http://localhost:8000"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresURL: getEnv("POSTGRES_URL", ""),

		LLMBaseURL:     getEnv("LLM_BASE_URL", "http://localhost:11434"),
		LLMModel:       getEnv("LLM_MODEL", "exaone-3.5"),
		EmbedBaseURL:   getEnv("EMBED_BASE_URL", "http://localhost:11434"),
		EmbedModel:     getEnv("EMBED_MODEL", "ko-sbert-nli"),
		STTBaseURL:     getEnv("STT_BASE_URL", "http://localhost:9000"),
		ImageHostURL:   getEnv("IMAGE_HOST_URL", "http://localhost:8188"),
		UploadDir:      getEnv("UPLOAD_DIR", "./uploads"),
		WorkerParallel: getEnvInt("WORKER_PARALLEL", 2),

		GPUMaxBatch:       getEnvInt("GPU_MAX_BATCH", DefaultGPUMaxBatch),
		GPURetryCountdown: getEnvDuration("GPU_RETRY_COUNTDOWN", DefaultGPURetryCountdown),
		GPUIdleTimeout:    getEnvDuration("GPU_IDLE_TIMEOUT", DefaultGPUIdleTimeout),
		StreamIdleLimit:   getEnvDuration("STREAM_IDLE_LIMIT", DefaultStreamIdleLimit),
		ContextTTL:        getEnvDuration("CONTEXT_TTL", DefaultContextTTL),
		TaskTTL:           getEnvDuration("TASK_TTL", DefaultTaskTTL),
		LLMResultTTL:      getEnvDuration("LLM_RESULT_TTL", DefaultLLMResultTTL),
		WindowSize:        getEnvInt("CONTEXT_WINDOW", DefaultWindowSize),
		ResummarizeAt:     getEnvInt("RESUMMARIZE_THRESHOLD", DefaultResummarizeAt),
		RAGTopK:           getEnvInt("RAG_TOP_K", DefaultRAGTopK),
		RAGScoreMax:       getEnvFloat("RAG_SCORE_MAX", DefaultRAGScoreMax),
		LLMPollTimeout:    getEnvDuration("LLM_POLL_TIMEOUT", DefaultLLMPollTimeout),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("invalid float in environment, using default", "key", key, "value", v)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
