package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/chat"
	"github.com/organbird/dot-project/config"
	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/llm"
	"github.com/organbird/dot-project/metrics"
	"github.com/organbird/dot-project/persistence"
	"github.com/organbird/dot-project/progress"
	"github.com/organbird/dot-project/rag"
	"github.com/organbird/dot-project/statestore"
	"github.com/organbird/dot-project/stream"
)

type testEnv struct {
	ts     *httptest.Server
	store  kv.Store
	broker *broker.Broker
	mem    *persistence.MemoryStore
	index  *rag.Index
	prov   *llm.MockProvider
	rep    *progress.Reporter
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	store := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	br := broker.New(store)
	mem := persistence.NewMemoryStore()
	index := rag.NewIndex()
	prov := llm.NewMockProvider("the answer is four")
	embedder := &llm.MockEmbedder{Dim: 4}

	sessions := statestore.New(statestore.Config{
		KV: store, Chats: mem, Broker: br,
		Window: 10, Threshold: 10, TTL: time.Hour,
	})
	orch := chat.New(chat.Config{
		KV: store, Index: index, Embedder: embedder, Provider: prov,
		Broker: br, Sessions: sessions, Chats: mem,
		TopK: 3, ScoreMax: 1.0,
	})
	rep := progress.NewReporter(store, time.Minute)

	cfg := &config.Config{
		UploadDir:       t.TempDir(),
		StreamIdleLimit: 2 * time.Second,
		GPUMaxBatch:     5,
		LLMResultTTL:    time.Minute,
		LLMPollTimeout:  time.Second,
	}

	srv := New(Deps{
		Config: cfg, KV: store, Broker: br, Orch: orch,
		Sessions: sessions, Chats: mem, Docs: mem, Meetings: mem, Images: mem,
		Index: index, Provider: prov, Progress: rep, Metrics: metrics.New(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, broker: br, mem: mem, index: index, prov: prov, rep: rep, cfg: cfg}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) createSession(t *testing.T) int64 {
	t.Helper()
	resp := e.postJSON(t, "/chat/sessions", map[string]int64{"user_id": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	return int64(body["session_id"].(float64))
}

func TestCreateSession(t *testing.T) {
	e := newTestEnv(t)

	id := e.createSession(t)
	assert.Positive(t, id)

	resp := e.postJSON(t, "/chat/sessions", map[string]int64{"user_id": 0})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func readEvents(t *testing.T, body io.Reader) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			events = append(events, line)
		}
	}
	return events
}

func TestChatStream_TokensOnWire(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)

	resp := e.postJSON(t, "/chat/stream", map[string]any{"session_id": id, "message": "what is 2+2?"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)

	var text strings.Builder
	for _, ev := range events {
		require.True(t, strings.HasPrefix(ev, "TEXT_DATA:"), "unexpected event %q", ev)
		text.WriteString(strings.TrimPrefix(ev, "TEXT_DATA:"))
	}
	assert.Equal(t, "the answer is four", strings.TrimSpace(text.String()))

	// DONE stays internal: the stream just ends.
	for _, ev := range events {
		assert.NotContains(t, ev, "DONE")
	}

	// The finished turn queued its save-chat task.
	env, err := e.broker.Receive(context.Background(), broker.QueueDefault, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, broker.TaskSaveChat, env.Name)
}

func TestChatStream_ToleratesClientHistoryField(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)

	// Older clients send their local history alongside the message. The
	// server builds context from its own cache and store, so the field is
	// ignored rather than decoded.
	resp := e.postJSON(t, "/chat/stream", map[string]any{
		"session_id": id,
		"message":    "what is 2+2?",
		"history":    []map[string]string{{"sender": "user", "content": "stale client copy"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)

	var text strings.Builder
	for _, ev := range events {
		text.WriteString(strings.TrimPrefix(ev, "TEXT_DATA:"))
	}
	assert.Equal(t, "the answer is four", strings.TrimSpace(text.String()))
}

func TestChatStream_RetrievalEmitsDocsFirst(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)

	emb := &llm.MockEmbedder{Dim: 4}
	vecs, err := emb.Embed(context.Background(), []string{"refunds are processed in 5 days"})
	require.NoError(t, err)
	added, err := e.index.Add(vecs, []rag.Chunk{{Source: "policy.pdf", Text: "refunds are processed in 5 days"}})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	resp := e.postJSON(t, "/chat/stream", map[string]any{"session_id": id, "message": "how long do refunds take?"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	assert.True(t, strings.HasPrefix(events[0], "DOCS_DATA:"), "first event %q", events[0])

	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(events[0], "DOCS_DATA:")), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "refunds are processed in 5 days", docs[0]["content"])
}

func TestChatStream_UnknownSession(t *testing.T) {
	e := newTestEnv(t)
	resp := e.postJSON(t, "/chat/stream", map[string]any{"session_id": 999, "message": "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStop_TerminatesStream(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)
	ctx := context.Background()

	resp := e.postJSON(t, "/chat/stop", map[string]any{"session_id": id})
	body := decodeBody(t, resp)
	assert.Equal(t, "stopped", body["status"])

	// The stop flag is armed and a stopped frame waits in the buffer.
	armed, err := e.store.Exists(ctx, stream.StopKey(id))
	require.NoError(t, err)
	assert.True(t, armed)
	raw, ok, err := e.store.BLPop(ctx, stream.Key(id), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	f, err := stream.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, stream.TagStopped, f.Tag)
}

func TestInternalSaveChatAndMessages(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)

	resp := e.postJSON(t, "/chat/internal/save", map[string]any{
		"session_id": id, "user_message": "hi", "ai_message": "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err := http.Get(fmt.Sprintf("%s/chat/sessions/%d/messages", e.ts.URL, id))
	require.NoError(t, err)
	body := decodeBody(t, got)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "USER", first["sender"])
	assert.Equal(t, "hi", first["content"])
}

func TestInternalSetSummary(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)

	resp := e.postJSON(t, fmt.Sprintf("/chat/internal/sessions/%d/summary", id), map[string]string{
		"summary": "user asked about refunds",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sess, err := e.mem.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "user asked about refunds", sess.Summary)
}

func TestAIChat_Blocking(t *testing.T) {
	e := newTestEnv(t)

	resp := e.postJSON(t, "/ai/chat", map[string]string{"message": "what is 2+2?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "the answer is four", body["reply"])
}

func TestAIGenerate_PollCycle(t *testing.T) {
	e := newTestEnv(t)

	resp := e.postJSON(t, "/ai/chat/generate", map[string]string{"message": "summarize"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	taskID := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		got, err := http.Get(e.ts.URL + "/ai/tasks/" + taskID)
		if err != nil {
			return false
		}
		defer got.Body.Close()
		var res map[string]any
		if json.NewDecoder(got.Body).Decode(&res) != nil {
			return false
		}
		return res["status"] == "completed" && res["result"] == "the answer is four"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAITaskResult_UnknownIs404(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/ai/tasks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateSummary_SubmitsTask(t *testing.T) {
	e := newTestEnv(t)
	id := e.createSession(t)
	ctx := context.Background()

	stored, err := e.mem.AppendMessages(ctx, id, []persistence.Message{
		{Sender: persistence.SenderUser, Content: "q1"},
		{Sender: persistence.SenderAI, Content: "a1"},
	})
	require.NoError(t, err)

	resp := e.postJSON(t, fmt.Sprintf("/ai/sessions/%d/update-summary", id), map[string]any{
		"oldest_message_ids": []int64{stored[0].ID, stored[1].ID},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "submitted", body["status"])

	env, err := e.broker.Receive(ctx, broker.QueueDefault, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, broker.TaskUpdateSummary, env.Name)

	var task statestore.SummaryTask
	require.NoError(t, json.Unmarshal(env.Payload, &task))
	assert.Equal(t, id, task.SessionID)
	require.Len(t, task.Oldest, 2)
	assert.Equal(t, "q1", task.Oldest[0].Content)
}

func multipartUpload(t *testing.T, url, field, filename string, content []byte, extra map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	for k, v := range extra {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	resp, err := http.Post(url, w.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestDocumentUpload_AcceptsAndQueues(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp := multipartUpload(t, e.ts.URL+"/document/upload", "file", "report.txt", []byte("quarterly report"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	docID := int64(body["document_id"].(float64))
	taskID := body["ragTaskId"].(string)
	require.NotEmpty(t, taskID)

	doc, err := e.mem.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, persistence.DocStatusIndexing, doc.Status)
	assert.Equal(t, "report.txt", doc.FileName)

	env, err := e.broker.Receive(ctx, broker.QueueDefault, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, broker.TaskIngest, env.Name)
	assert.Equal(t, taskID, env.ID)
}

func TestDocumentUpload_RejectsUnknownExtension(t *testing.T) {
	e := newTestEnv(t)
	resp := multipartUpload(t, e.ts.URL+"/document/upload", "file", "payload.exe", []byte("MZ"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocumentStatus_DefaultsToPending(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/document/status/unknown-task")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, 0.0, body["progress"])
	assert.Equal(t, "waiting", body["message"])
}

func TestStoreVectors_LengthMismatch(t *testing.T) {
	e := newTestEnv(t)
	resp := e.postJSON(t, "/document/internal/store-vectors", map[string]any{
		"embeddings": [][]float32{{1, 2, 3, 4}},
		"texts":      []string{"a", "b"},
		"metadatas":  []map[string]any{{"source": "x"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStoreVectorsAndDelete_RoundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Upload so the worker's callbacks have a record to finalize.
	resp := multipartUpload(t, e.ts.URL+"/document/upload", "file", "policy.txt", []byte("refund policy text"), nil)
	body := decodeBody(t, resp)
	docID := int64(body["document_id"].(float64))

	resp = e.postJSON(t, "/document/internal/store-vectors", map[string]any{
		"embeddings": [][]float32{{1, 2, 3, 4}},
		"texts":      []string{"refund policy text"},
		"metadatas":  []map[string]any{{"source": "policy.txt"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, e.index.Len())

	resp = e.postJSON(t, fmt.Sprintf("/document/internal/%d/status", docID), map[string]string{
		"status": persistence.DocStatusIndexed, "summary": "a refund policy",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	doc, err := e.mem.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, persistence.DocStatusIndexed, doc.Status)
	assert.Equal(t, "a refund policy", doc.Summary)

	// Delete drops the record and its vectors.
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/document/%d", e.ts.URL, docID), nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delBody := decodeBody(t, del)
	assert.Equal(t, "deleted", delBody["status"])
	assert.Equal(t, 1.0, delBody["vectors_removed"])
	assert.Equal(t, 0, e.index.Len())

	_, err = e.mem.GetDocument(ctx, docID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDocumentFinalize_RejectsBadStatus(t *testing.T) {
	e := newTestEnv(t)
	resp := multipartUpload(t, e.ts.URL+"/document/upload", "file", "x.txt", []byte("text"), nil)
	body := decodeBody(t, resp)
	docID := int64(body["document_id"].(float64))

	resp = e.postJSON(t, fmt.Sprintf("/document/internal/%d/status", docID), map[string]string{"status": "BOGUS"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImageGenerate_QueuesOnImageQueue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp := e.postJSON(t, "/image/generate", map[string]any{
		"user_id": 1, "prompt": "a red fox", "style": "watercolor",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	imageID := int64(body["image_id"].(float64))

	img, err := e.mem.GetImage(ctx, imageID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ImageStatusPending, img.Status)

	env, err := e.broker.Receive(ctx, broker.QueueImage, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, broker.TaskImageGen, env.Name)

	var task broker.ImageGenTask
	require.NoError(t, json.Unmarshal(env.Payload, &task))
	assert.Equal(t, imageID, task.ImageID)
	assert.Equal(t, "a red fox", task.Prompt)
	assert.Equal(t, "watercolor", task.Style)
}

func TestImageUploadAndFail_Callbacks(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp := e.postJSON(t, "/image/generate", map[string]any{"user_id": 1, "prompt": "a fox"})
	body := decodeBody(t, resp)
	imageID := int64(body["image_id"].(float64))

	resp = multipartUpload(t, e.ts.URL+"/image/internal/upload", "file", "render.png",
		[]byte("png-bytes"), map[string]string{"image_id": fmt.Sprint(imageID)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decodeBody(t, resp)
	assert.NotEmpty(t, up["file_name"])
	assert.Equal(t, 9.0, up["file_size"])

	img, err := e.mem.GetImage(ctx, imageID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ImageStatusCompleted, img.Status)

	// A second record can still be failed independently.
	resp = e.postJSON(t, "/image/generate", map[string]any{"user_id": 1, "prompt": "a cat"})
	body = decodeBody(t, resp)
	otherID := int64(body["image_id"].(float64))
	resp = e.postJSON(t, fmt.Sprintf("/image/internal/%d/fail", otherID), struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	other, err := e.mem.GetImage(ctx, otherID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ImageStatusError, other.Status)
}

func TestMeetingUploadAndComplete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp := multipartUpload(t, e.ts.URL+"/meeting/upload", "file", "standup.wav", []byte("audio"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	meetingID := int64(body["meeting_id"].(float64))
	require.NotEmpty(t, body["sttTaskId"])

	env, err := e.broker.Receive(ctx, broker.QueueSTT, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, broker.TaskTranscribe, env.Name)

	resp = e.postJSON(t, fmt.Sprintf("/meeting/internal/%d/complete", meetingID), map[string]any{
		"transcript": "[00:00 ~ 00:05] hello", "duration": 5.0, "summary": "a short standup",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	m, err := e.mem.GetMeeting(ctx, meetingID)
	require.NoError(t, err)
	assert.Equal(t, persistence.MeetingStatusCompleted, m.Status)
	assert.Equal(t, "[00:00 ~ 00:05] hello", m.Transcript)
	assert.Equal(t, 5.0, m.Duration)
}

func TestMeetingUpload_RejectsNonAudio(t *testing.T) {
	e := newTestEnv(t)
	resp := multipartUpload(t, e.ts.URL+"/meeting/upload", "file", "notes.txt", []byte("text"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInternalFileEndpoint_ServesAndGuards(t *testing.T) {
	e := newTestEnv(t)

	resp := multipartUpload(t, e.ts.URL+"/document/upload", "file", "a.txt", []byte("file body"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	env, err := e.broker.Receive(context.Background(), broker.QueueDefault, time.Second)
	require.NoError(t, err)
	var task broker.IngestTask
	require.NoError(t, json.Unmarshal(env.Payload, &task))

	got, err := http.Get(e.ts.URL + "/document/internal/file/" + task.FileName)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "file body", string(data))

	missing, err := http.Get(e.ts.URL + "/document/internal/file/no-such-file.txt")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGPUMonitoring(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.Set(ctx, "gpu:active_model", "image", 0))
	require.NoError(t, e.store.Set(ctx, "gpu:batch_count", "3", 0))
	require.NoError(t, e.store.RPush(ctx, broker.QueueSTT, `{"name":"transcribe","id":"x","payload":{}}`))

	resp, err := http.Get(e.ts.URL + "/monitoring/gpu")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "image", body["active_model"])
	assert.Equal(t, 3.0, body["batch_count"])
	assert.Equal(t, 5.0, body["max_batch"])
	assert.Equal(t, 1.0, body["queue_stt_pending"])
	assert.Equal(t, 0.0, body["queue_image_pending"])
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/healthz")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}
