package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organbird/dot-project/kv"
)

func setupReporter(t *testing.T) (*Reporter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	store := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewReporter(store, 10*time.Minute), mr
}

func TestReporter_ReadDefault(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	rec, err := r.Read(ctx, KindRAG, "unknown-task")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, "waiting", rec.Message)
}

func TestReporter_ReportAndRead(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, KindImage, "t1", 35, "generating", StatusProcessing))

	rec, err := r.Read(ctx, KindImage, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, 35, rec.Progress)
	assert.Equal(t, "generating", rec.Message)
}

func TestReporter_PercentNeverRegresses(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, KindSTT, "t1", 50, "transcribing", StatusProcessing))
	require.NoError(t, r.Report(ctx, KindSTT, "t1", 20, "late update", StatusProcessing))

	rec, err := r.Read(ctx, KindSTT, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Progress)
}

func TestReporter_FailedResetsPercent(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, KindRAG, "t1", 60, "embedding", StatusProcessing))
	r.Failed(ctx, KindRAG, "t1", "store unavailable")

	rec, err := r.Read(ctx, KindRAG, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.True(t, rec.Terminal())
}

func TestReporter_RecordExpires(t *testing.T) {
	r, mr := setupReporter(t)
	ctx := context.Background()

	r.Completed(ctx, KindImage, "t1", "done")

	mr.FastForward(11 * time.Minute)

	rec, err := r.Read(ctx, KindImage, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestReporter_KindsDoNotCollide(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	r.Processing(ctx, KindRAG, "same-id", 10, "rag")
	r.Processing(ctx, KindSTT, "same-id", 90, "stt")

	rag, err := r.Read(ctx, KindRAG, "same-id")
	require.NoError(t, err)
	stt, err := r.Read(ctx, KindSTT, "same-id")
	require.NoError(t, err)

	assert.Equal(t, 10, rag.Progress)
	assert.Equal(t, 90, stt.Progress)
}
