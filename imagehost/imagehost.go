// Package imagehost drives a ComfyUI-compatible image generation server:
// submit a workflow, poll its history until the render finishes, fetch the
// output bytes, and release VRAM when the GPU is handed to another model.
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/organbird/dot-project/logger"
)

const (
	defaultCheckpoint   = "sd_xl_base_1.0.safetensors"
	defaultSteps        = 20
	defaultWidth        = 1024
	defaultHeight       = 1024
	defaultGenTimeout   = 300 * time.Second
	defaultPollInterval = 2 * time.Second

	// VRAM release: poll until usage drops under the threshold.
	freeAttempts  = 15
	freeInterval  = 2 * time.Second
	vramThreshold = 1 << 30 // 1 GiB
)

// ErrTimeout is returned when a render does not finish inside the window.
var ErrTimeout = errors.New("imagehost: generation timed out")

// Client talks to one image host instance.
type Client struct {
	baseURL      string
	client       *http.Client
	checkpoint   string
	steps        int
	width        int
	height       int
	genTimeout   time.Duration
	pollInterval time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithCheckpoint selects the model checkpoint used in generated workflows.
func WithCheckpoint(name string) Option {
	return func(c *Client) { c.checkpoint = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithGenTimeout bounds how long Generate waits for a render.
func WithGenTimeout(d time.Duration) Option {
	return func(c *Client) { c.genTimeout = d }
}

// WithPollInterval sets the history polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithSize sets the output resolution.
func WithSize(width, height int) Option {
	return func(c *Client) {
		c.width = width
		c.height = height
	}
}

// NewClient creates an image host client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		checkpoint:   defaultCheckpoint,
		steps:        defaultSteps,
		width:        defaultWidth,
		height:       defaultHeight,
		genTimeout:   defaultGenTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// workflow builds the text-to-image node graph the host executes. Node IDs
// are arbitrary strings; edges reference [nodeID, outputIndex].
func (c *Client) workflow(prompt string, seed int64) map[string]any {
	return map[string]any{
		"1": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": c.checkpoint},
		},
		"2": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": prompt, "clip": []any{"1", 1}},
		},
		"3": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "blurry, low quality, watermark", "clip": []any{"1", 1}},
		},
		"4": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": c.width, "height": c.height, "batch_size": 1},
		},
		"5": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":         seed,
				"steps":        c.steps,
				"cfg":          7.0,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"denoise":      1.0,
				"model":        []any{"1", 0},
				"positive":     []any{"2", 0},
				"negative":     []any{"3", 0},
				"latent_image": []any{"4", 0},
			},
		},
		"6": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"5", 0}, "vae": []any{"1", 2}},
		},
		"7": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"images": []any{"6", 0}, "filename_prefix": "gen"},
		},
	}
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []historyImage `json:"images"`
	} `json:"outputs"`
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

// Generate renders one image for the prompt and returns the PNG bytes.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	seed := rand.Int63()
	promptID, err := c.submit(ctx, prompt, seed)
	if err != nil {
		return nil, err
	}
	logger.Info("image render submitted", "prompt_id", promptID, "seed", seed)

	img, err := c.waitForOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return c.fetchImage(ctx, img)
}

func (c *Client) submit(ctx context.Context, prompt string, seed int64) (string, error) {
	payload, err := json.Marshal(map[string]any{"prompt": c.workflow(prompt, seed)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit workflow: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workflow rejected with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed promptResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("workflow rejected: %s", parsed.Error.Message)
	}
	if parsed.PromptID == "" {
		return "", fmt.Errorf("no prompt id in response")
	}
	return parsed.PromptID, nil
}

func (c *Client) waitForOutput(ctx context.Context, promptID string) (historyImage, error) {
	deadline := time.Now().Add(c.genTimeout)
	for {
		if time.Now().After(deadline) {
			return historyImage{}, ErrTimeout
		}

		entry, found, err := c.history(ctx, promptID)
		if err != nil {
			return historyImage{}, err
		}
		if found {
			for _, out := range entry.Outputs {
				if len(out.Images) > 0 {
					return out.Images[0], nil
				}
			}
			if entry.Status.Completed {
				return historyImage{}, fmt.Errorf("render finished without images (%s)", entry.Status.StatusStr)
			}
		}

		select {
		case <-ctx.Done():
			return historyImage{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) history(ctx context.Context, promptID string) (historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return historyEntry{}, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return historyEntry{}, false, fmt.Errorf("history poll failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return historyEntry{}, false, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return historyEntry{}, false, fmt.Errorf("history poll failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed map[string]historyEntry
	if err := json.Unmarshal(body, &parsed); err != nil {
		return historyEntry{}, false, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	entry, ok := parsed[promptID]
	return entry, ok, nil
}

func (c *Client) fetchImage(ctx context.Context, img historyImage) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("image fetch failed with status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// Ping checks that the host is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.vramUsed(ctx)
	return err
}

type systemStats struct {
	Devices []struct {
		VRAMTotal int64 `json:"vram_total"`
		VRAMFree  int64 `json:"vram_free"`
	} `json:"devices"`
}

func (c *Client) vramUsed(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("stats request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed systemStats
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	var used int64
	for _, d := range parsed.Devices {
		used += d.VRAMTotal - d.VRAMFree
	}
	return used, nil
}

func (c *Client) free(ctx context.Context, unloadModels bool) error {
	payload, err := json.Marshal(map[string]bool{
		"unload_models": unloadModels,
		"free_memory":   true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/free", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("free request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("free request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SoftFree drops intermediate buffers while keeping the model resident.
// Called between renders of a batch.
func (c *Client) SoftFree(ctx context.Context) error {
	return c.free(ctx, false)
}

// Unload evicts the model and waits for VRAM usage to fall under the
// threshold so the next model has room to load.
func (c *Client) Unload(ctx context.Context) error {
	if err := c.free(ctx, true); err != nil {
		return err
	}

	for attempt := 0; attempt < freeAttempts; attempt++ {
		used, err := c.vramUsed(ctx)
		if err != nil {
			return err
		}
		if used < vramThreshold {
			logger.Info("image host vram released", "used_bytes", used, "attempts", attempt+1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(freeInterval):
		}
	}
	return fmt.Errorf("vram still above threshold after %d attempts", freeAttempts)
}
