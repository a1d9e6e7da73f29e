package worker

import (
	"context"

	"github.com/organbird/dot-project/gpu"
	"github.com/organbird/dot-project/imagehost"
	"github.com/organbird/dot-project/logger"
)

// imageModelHost adapts the image host to GPU arbitration. The host loads
// its checkpoint lazily on the first render, so Load only verifies
// reachability; Unload evicts the model and waits for VRAM to clear.
type imageModelHost struct {
	client *imagehost.Client
}

// NewImageModelHost wraps an image host client for the arbiter.
func NewImageModelHost(client *imagehost.Client) gpu.ModelHost {
	return &imageModelHost{client: client}
}

func (h *imageModelHost) Load(ctx context.Context) error {
	return h.client.Ping(ctx)
}

func (h *imageModelHost) Unload(ctx context.Context) error {
	return h.client.Unload(ctx)
}

func (h *imageModelHost) Housekeep(ctx context.Context) {
	if err := h.client.SoftFree(ctx); err != nil {
		logger.Warn("image host soft free failed", "error", err)
	}
}

// sttModelHost represents the transcription server. Its model residency is
// managed by the server process itself, so load and unload are bookkeeping
// only; arbitration still prevents renders and transcriptions overlapping.
type sttModelHost struct{}

// NewSTTModelHost returns the bookkeeping-only host for the arbiter.
func NewSTTModelHost() gpu.ModelHost {
	return &sttModelHost{}
}

func (h *sttModelHost) Load(ctx context.Context) error   { return nil }
func (h *sttModelHost) Unload(ctx context.Context) error { return nil }
func (h *sttModelHost) Housekeep(ctx context.Context)    {}
