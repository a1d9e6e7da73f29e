package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// MasterClient is the worker's view of the master node. All business-record
// finalization goes through these endpoints; the worker never opens its own
// database connection.
type MasterClient struct {
	baseURL     string
	client      *http.Client
	pollTimeout time.Duration
}

// NewMasterClient creates a client for the master API.
func NewMasterClient(baseURL string, pollTimeout time.Duration) *MasterClient {
	return &MasterClient{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 120 * time.Second},
		pollTimeout: pollTimeout,
	}
}

func (c *MasterClient) getBytes(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *MasterClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// FetchDocumentFile downloads an uploaded document by stored name.
func (c *MasterClient) FetchDocumentFile(ctx context.Context, name string) ([]byte, error) {
	return c.getBytes(ctx, "/document/internal/file/"+name)
}

// FetchMeetingFile downloads an uploaded recording by stored name.
func (c *MasterClient) FetchMeetingFile(ctx context.Context, name string) ([]byte, error) {
	return c.getBytes(ctx, "/meeting/internal/file/"+name)
}

// StoreVectors pushes embedded chunks into the master's index.
func (c *MasterClient) StoreVectors(ctx context.Context, embeddings [][]float32, texts []string, metadatas []map[string]any) error {
	return c.postJSON(ctx, "/document/internal/store-vectors", map[string]any{
		"embeddings": embeddings,
		"texts":      texts,
		"metadatas":  metadatas,
	}, nil)
}

// FinalizeDocument flips the document's indexing status, optionally attaching
// a summary.
func (c *MasterClient) FinalizeDocument(ctx context.Context, id int64, status, summary string) error {
	return c.postJSON(ctx, fmt.Sprintf("/document/internal/%d/status", id), map[string]string{
		"status":  status,
		"summary": summary,
	}, nil)
}

// UploadImage sends the rendered image for the given record.
func (c *MasterClient) UploadImage(ctx context.Context, imageID int64, img []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "render.png")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := writer.WriteField("image_id", strconv.FormatInt(imageID, 10)); err != nil {
		return fmt.Errorf("failed to write image_id: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/image/internal/upload", &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("image upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("image upload failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FailImage marks the image record failed.
func (c *MasterClient) FailImage(ctx context.Context, id int64) error {
	return c.postJSON(ctx, fmt.Sprintf("/image/internal/%d/fail", id), struct{}{}, nil)
}

// CompleteMeeting writes the finished transcript.
func (c *MasterClient) CompleteMeeting(ctx context.Context, id int64, transcript string, duration float64, summary string) error {
	return c.postJSON(ctx, fmt.Sprintf("/meeting/internal/%d/complete", id), map[string]any{
		"transcript": transcript,
		"duration":   duration,
		"summary":    summary,
	}, nil)
}

// FailMeeting marks the meeting record failed.
func (c *MasterClient) FailMeeting(ctx context.Context, id int64) error {
	return c.postJSON(ctx, fmt.Sprintf("/meeting/internal/%d/fail", id), struct{}{}, nil)
}

// SaveChat persists a finished chat turn.
func (c *MasterClient) SaveChat(ctx context.Context, sessionID int64, userMsg, aiMsg string) error {
	return c.postJSON(ctx, "/chat/internal/save", map[string]any{
		"session_id":   sessionID,
		"user_message": userMsg,
		"ai_message":   aiMsg,
	}, nil)
}

// SetSummary updates a session's rolling summary.
func (c *MasterClient) SetSummary(ctx context.Context, sessionID int64, summary string) error {
	return c.postJSON(ctx, fmt.Sprintf("/chat/internal/sessions/%d/summary", sessionID), map[string]string{
		"summary": summary,
	}, nil)
}

// generatePollInterval is how often Generate checks the parked result.
var generatePollInterval = 2 * time.Second

// Generate runs a completion on the master's text model and polls for the
// result. Used for document and meeting summaries so the GPU node never loads
// the text model itself.
func (c *MasterClient) Generate(ctx context.Context, message string) (string, error) {
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	if err := c.postJSON(ctx, "/ai/chat/generate", map[string]string{"message": message}, &submitted); err != nil {
		return "", err
	}
	if submitted.TaskID == "" {
		return "", fmt.Errorf("no task id in generate response")
	}

	deadline := time.Now().Add(c.pollTimeout)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("generation timed out after %s", c.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(generatePollInterval):
		}

		body, err := c.getBytes(ctx, "/ai/tasks/"+submitted.TaskID)
		if err != nil {
			continue // transient; the deadline bounds us
		}
		var res struct {
			Status string `json:"status"`
			Result string `json:"result"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return "", fmt.Errorf("corrupt result record: %w", err)
		}
		switch res.Status {
		case "completed":
			return res.Result, nil
		case "failed":
			return "", fmt.Errorf("generation failed: %s", res.Error)
		}
	}
}
