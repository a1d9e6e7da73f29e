// Package metrics exposes Prometheus instrumentation for both nodes: task
// throughput and latency on the worker, stream and request counters on the
// master, and the live GPU state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRequeued  = "requeued"
)

// Metrics holds all collectors behind a private registry so tests can create
// instances freely without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	GPUActiveModel *prometheus.GaugeVec
	GPUHandOffs    prometheus.Counter
	StreamTokens   prometheus.Counter
	ChatTurns      *prometheus.CounterVec
}

// New creates a metrics set with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Task executions by name and outcome.",
		}, []string{"task", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_task_duration_seconds",
			Help:    "Task execution time by name.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
		}, []string{"task"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Pending tasks per queue.",
		}, []string{"queue"}),
		GPUActiveModel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_active_model",
			Help: "1 for the currently resident model kind, 0 otherwise.",
		}, []string{"model"}),
		GPUHandOffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_hand_offs_total",
			Help: "Model switches on the shared GPU.",
		}),
		StreamTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_stream_tokens_total",
			Help: "Tokens pushed through session stream buffers.",
		}),
		ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns by terminal outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.QueueDepth,
		m.GPUActiveModel,
		m.GPUHandOffs,
		m.StreamTokens,
		m.ChatTurns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTask records one finished task execution.
func (m *Metrics) ObserveTask(task, outcome string, d time.Duration) {
	m.TasksTotal.WithLabelValues(task, outcome).Inc()
	if outcome != OutcomeRequeued {
		m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
	}
}

// SetActiveModel flips the GPU model gauge so exactly the given kind reads 1.
func (m *Metrics) SetActiveModel(kind string) {
	for _, model := range []string{"image", "stt", "none"} {
		v := 0.0
		if model == kind {
			v = 1
		}
		m.GPUActiveModel.WithLabelValues(model).Set(v)
	}
}

// Handler returns the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
