package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/chat"
	"github.com/organbird/dot-project/config"
	"github.com/organbird/dot-project/gpu"
	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/metrics"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stt"
)

type noopHost struct{}

func (noopHost) Load(ctx context.Context) error   { return nil }
func (noopHost) Unload(ctx context.Context) error { return nil }
func (noopHost) Housekeep(ctx context.Context)    {}

type fakeEngine struct {
	segments []stt.Segment
	err      error
}

func (f *fakeEngine) Transcribe(ctx context.Context, audio []byte, filename string) ([]stt.Segment, error) {
	return f.segments, f.err
}

type fakeSummarizer struct {
	out      string
	err      error
	doPanic  bool
	lastTask statestore.SummaryTask
}

func (f *fakeSummarizer) Summarize(ctx context.Context, current string, evicted []statestore.Turn) (string, error) {
	if f.doPanic {
		panic("summarizer exploded")
	}
	f.lastTask = statestore.SummaryTask{Summary: current, Oldest: evicted}
	return f.out, f.err
}

// fakeMaster records the worker's callbacks into the master API.
type fakeMaster struct {
	mu sync.Mutex

	files map[string][]byte

	storedTexts    []string
	storedVectors  int
	storedMetas    []map[string]any
	finalizeStatus string
	finalizeSum    string
	completedBody  map[string]any
	failedMeeting  bool
	failedImage    bool
	savedChat      map[string]any
	summaryBody    map[string]string
	summaryPath    string
}

func (f *fakeMaster) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /document/internal/file/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.serveFile(w, r)
	})
	mux.HandleFunc("GET /meeting/internal/file/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.serveFile(w, r)
	})
	mux.HandleFunc("POST /document/internal/store-vectors", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Embeddings [][]float32      `json:"embeddings"`
			Texts      []string         `json:"texts"`
			Metadatas  []map[string]any `json:"metadatas"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.storedTexts = body.Texts
		f.storedVectors = len(body.Embeddings)
		f.storedMetas = body.Metadatas
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /document/internal/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.finalizeStatus = body["status"]
		f.finalizeSum = body["summary"]
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /meeting/internal/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.completedBody = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /meeting/internal/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.failedMeeting = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /image/internal/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.failedImage = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /chat/internal/save", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.savedChat = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /chat/internal/sessions/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.summaryBody = body
		f.summaryPath = r.URL.Path
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	// Summaries are best effort in these tests: the text model is "down".
	mux.HandleFunc("POST /ai/chat/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func (f *fakeMaster) serveFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.files[r.PathValue("name")]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Write(data)
}

type runnerEnv struct {
	runner *Runner
	broker *broker.Broker
	store  kv.Store
	mr     *miniredis.Miniredis
	master *fakeMaster
	summ   *fakeSummarizer
	stt    *fakeEngine
	rep    *progress.Reporter
	met    *metrics.Metrics
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()

	oldBase := downloadRetryBase
	downloadRetryBase = time.Millisecond
	t.Cleanup(func() { downloadRetryBase = oldBase })

	mr := miniredis.RunT(t)
	store := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	br := broker.New(store)

	fm := &fakeMaster{files: map[string][]byte{}}
	srv := httptest.NewServer(fm.handler())
	t.Cleanup(srv.Close)

	summ := &fakeSummarizer{out: "fused summary"}
	engine := &fakeEngine{}
	rep := progress.NewReporter(store, time.Minute)
	met := metrics.New()

	arb := gpu.New(gpu.Config{
		Store:       store,
		ImageHost:   noopHost{},
		STTHost:     noopHost{},
		ImageQueue:  broker.QueueImage,
		STTQueue:    broker.QueueSTT,
		MaxBatch:    5,
		IdleTimeout: 30 * time.Second,
		OnHandOff:   func(from, to gpu.Kind) { met.GPUHandOffs.Inc() },
	})

	runner := New(Deps{
		Config: &config.Config{
			WorkerParallel:    1,
			GPURetryCountdown: 20 * time.Millisecond,
			GPUIdleTimeout:    30 * time.Second,
		},
		Broker:     br,
		Arbiter:    arb,
		Progress:   rep,
		Master:     NewMasterClient(srv.URL, time.Second),
		Embedder:   &llm.MockEmbedder{Dim: 4},
		STT:        engine,
		Summarizer: summ,
		Metrics:    met,
	})

	return &runnerEnv{
		runner: runner, broker: br, store: store, mr: mr,
		master: fm, summ: summ, stt: engine, rep: rep, met: met,
	}
}

func envelope(t *testing.T, name, id string, payload any) *broker.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &broker.Envelope{Name: name, ID: id, Payload: raw}
}

func TestRunner_IngestIndexesDocument(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	text := strings.Repeat("All quarterly figures improved over the last period. ", 20)
	env.master.files["stored.txt"] = []byte(text)

	task := envelope(t, broker.TaskIngest, "task-1", broker.IngestTask{
		DocumentID: 7, FileName: "stored.txt", Source: "report.txt",
	})
	env.runner.dispatch(ctx, task)

	env.master.mu.Lock()
	defer env.master.mu.Unlock()
	assert.Equal(t, "INDEXED", env.master.finalizeStatus)
	assert.NotEmpty(t, env.master.storedTexts)
	assert.Equal(t, len(env.master.storedTexts), env.master.storedVectors)
	for _, meta := range env.master.storedMetas {
		assert.Equal(t, "report.txt", meta["source"])
	}

	rec, err := env.rep.Read(ctx, progress.KindRAG, "task-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)

	got := testutil.ToFloat64(env.met.TasksTotal.WithLabelValues(broker.TaskIngest, metrics.OutcomeCompleted))
	assert.Equal(t, 1.0, got)
}

func TestRunner_IngestDownloadFailureFailsRecord(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	task := envelope(t, broker.TaskIngest, "task-2", broker.IngestTask{
		DocumentID: 9, FileName: "missing.txt", Source: "missing.txt",
	})
	env.runner.dispatch(ctx, task)

	env.master.mu.Lock()
	assert.Equal(t, "ERROR", env.master.finalizeStatus)
	env.master.mu.Unlock()

	rec, err := env.rep.Read(ctx, progress.KindRAG, "task-2")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)

	got := testutil.ToFloat64(env.met.TasksTotal.WithLabelValues(broker.TaskIngest, metrics.OutcomeFailed))
	assert.Equal(t, 1.0, got)
}

func TestRunner_TranscribeCompletesMeeting(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	env.master.files["rec.wav"] = []byte("audio-bytes")
	env.stt.segments = []stt.Segment{
		{Start: 0, End: 5, Text: " hello everyone "},
		{Start: 5, End: 9.5, Text: "status update"},
	}

	task := envelope(t, broker.TaskTranscribe, "task-3", broker.TranscribeTask{
		MeetingID: 4, FileName: "rec.wav",
	})
	env.runner.dispatch(ctx, task)

	env.master.mu.Lock()
	require.NotNil(t, env.master.completedBody)
	transcript := env.master.completedBody["transcript"].(string)
	duration := env.master.completedBody["duration"].(float64)
	env.master.mu.Unlock()

	assert.Equal(t, "[00:00 ~ 00:05] hello everyone\n[00:05 ~ 00:09] status update", transcript)
	assert.Equal(t, 9.5, duration)

	// The transcription admitted as an STT batch member.
	v, ok, err := env.store.Get(ctx, "gpu:active_model")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stt", v)
	n, _, err := env.store.Get(ctx, "gpu:batch_count")
	require.NoError(t, err)
	assert.Equal(t, "1", n)
}

func TestRunner_TranscribeFailureFailsMeeting(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	env.master.files["rec.wav"] = []byte("audio-bytes")
	env.stt.err = errors.New("decoder blew up")

	task := envelope(t, broker.TaskTranscribe, "task-4", broker.TranscribeTask{
		MeetingID: 4, FileName: "rec.wav",
	})
	env.runner.dispatch(ctx, task)

	env.master.mu.Lock()
	assert.True(t, env.master.failedMeeting)
	env.master.mu.Unlock()

	rec, err := env.rep.Read(ctx, progress.KindSTT, "task-4")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
}

func TestRunner_GPURefusalRequeuesTask(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	// Image model mid-batch with more image work pending: STT must wait.
	require.NoError(t, env.store.Set(ctx, "gpu:active_model", "image", 0))
	require.NoError(t, env.store.Set(ctx, "gpu:batch_count", "2", 0))
	require.NoError(t, env.store.RPush(ctx, broker.QueueImage, `{"name":"image-gen","id":"x","payload":{}}`))

	task := envelope(t, broker.TaskTranscribe, "task-5", broker.TranscribeTask{
		MeetingID: 1, FileName: "rec.wav",
	})
	env.runner.dispatch(ctx, task)

	got := testutil.ToFloat64(env.met.TasksTotal.WithLabelValues(broker.TaskTranscribe, metrics.OutcomeRequeued))
	assert.Equal(t, 1.0, got)

	// The countdown re-enqueues the envelope with its id intact.
	require.Eventually(t, func() bool {
		n, err := env.broker.PendingLen(ctx, broker.QueueSTT)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	again, err := env.broker.Receive(ctx, broker.QueueSTT, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "task-5", again.ID)
}

func TestRunner_GPUHandOffCountsSwitch(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	env.master.files["rec.wav"] = []byte("audio-bytes")
	env.stt.segments = []stt.Segment{{Start: 0, End: 2, Text: "hi"}}

	// Image model resident with nothing pending: the transcription evicts it
	// and the switch shows up on the hand-off counter.
	require.NoError(t, env.store.Set(ctx, "gpu:active_model", "image", 0))
	require.NoError(t, env.store.Set(ctx, "gpu:batch_count", "1", 0))

	task := envelope(t, broker.TaskTranscribe, "task-12", broker.TranscribeTask{
		MeetingID: 2, FileName: "rec.wav",
	})
	env.runner.dispatch(ctx, task)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.met.GPUHandOffs))
}

func TestRunner_SaveChatForwardsToMaster(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	task := envelope(t, broker.TaskSaveChat, "task-6", chat.SaveChatTask{
		SessionID: 12, UserMessage: "hi", AIMessage: "hello",
	})
	env.runner.dispatch(ctx, task)

	env.master.mu.Lock()
	defer env.master.mu.Unlock()
	require.NotNil(t, env.master.savedChat)
	assert.Equal(t, 12.0, env.master.savedChat["session_id"])
	assert.Equal(t, "hi", env.master.savedChat["user_message"])
	assert.Equal(t, "hello", env.master.savedChat["ai_message"])
}

func TestRunner_UpdateSummary(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	task := envelope(t, broker.TaskUpdateSummary, "task-7", statestore.SummaryTask{
		SessionID: 3,
		Summary:   "old summary",
		Oldest: []statestore.Turn{
			{Sender: "USER", Content: "q"},
			{Sender: "AI", Content: "a"},
		},
	})
	env.runner.dispatch(ctx, task)

	assert.Equal(t, "old summary", env.summ.lastTask.Summary)
	require.Len(t, env.summ.lastTask.Oldest, 2)

	env.master.mu.Lock()
	defer env.master.mu.Unlock()
	require.NotNil(t, env.master.summaryBody)
	assert.Equal(t, "fused summary", env.master.summaryBody["summary"])
	assert.Equal(t, "/chat/internal/sessions/3/summary", env.master.summaryPath)
}

func TestRunner_UpdateSummaryFailureLeavesSummary(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()
	env.summ.err = errors.New("model unavailable")

	task := envelope(t, broker.TaskUpdateSummary, "task-8", statestore.SummaryTask{SessionID: 3})
	env.runner.dispatch(ctx, task)

	env.master.mu.Lock()
	assert.Nil(t, env.master.summaryBody)
	env.master.mu.Unlock()

	got := testutil.ToFloat64(env.met.TasksTotal.WithLabelValues(broker.TaskUpdateSummary, metrics.OutcomeFailed))
	assert.Equal(t, 1.0, got)
}

func TestRunner_PanicIsContained(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()
	env.summ.doPanic = true

	task := envelope(t, broker.TaskUpdateSummary, "task-9", statestore.SummaryTask{SessionID: 3})
	assert.NotPanics(t, func() { env.runner.dispatch(ctx, task) })

	got := testutil.ToFloat64(env.met.TasksTotal.WithLabelValues(broker.TaskUpdateSummary, metrics.OutcomeFailed))
	assert.Equal(t, 1.0, got)
}

func TestRunner_ReleaseGPUIdle(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	// Resident image model, quiet queues, activity past the idle timeout.
	require.NoError(t, env.store.Set(ctx, "gpu:active_model", "image", 0))
	require.NoError(t, env.store.Set(ctx, "gpu:batch_count", "3", 0))
	stale := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	require.NoError(t, env.store.Set(ctx, "gpu:last_activity", stale, 0))

	task := envelope(t, broker.TaskReleaseGPUIdle, "task-10", struct{}{})
	env.runner.dispatch(ctx, task)

	v, _, err := env.store.Get(ctx, "gpu:active_model")
	require.NoError(t, err)
	assert.Equal(t, "none", v)
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"dial tcp: connection refused", true},
		{"host disconnected", true},
		{"could not resolve host", true},
		{"connection lost mid-transfer", true},
		{"KSampler failed: NaN in latents", false},
		{"status 400: bad checkpoint", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isConnectionError(errors.New(tt.err)), tt.err)
	}
}

func TestScheduleImageRetry_BoundExhausted(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	task := broker.ImageGenTask{ImageID: 5, Prompt: "a fox", Attempt: maxImageAttempts - 1}
	e := envelope(t, broker.TaskImageGen, "task-11", task)

	err := env.runner.scheduleImageRetry(ctx, e, task, errors.New("connection refused"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errRetryScheduled)

	env.master.mu.Lock()
	assert.True(t, env.master.failedImage)
	env.master.mu.Unlock()
}

func TestScheduleImageRetry_SchedulesWithBumpedAttempt(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	task := broker.ImageGenTask{ImageID: 5, Prompt: "a fox"}
	e := envelope(t, broker.TaskImageGen, "task-12", task)

	err := env.runner.scheduleImageRetry(ctx, e, task, errors.New("connection refused"))
	assert.ErrorIs(t, err, errRetryScheduled)

	rec, rerr := env.rep.Read(ctx, progress.KindImage, "task-12")
	require.NoError(t, rerr)
	assert.Equal(t, progress.StatusProcessing, rec.Status)
	assert.Contains(t, rec.Message, "retrying (1/")
}
