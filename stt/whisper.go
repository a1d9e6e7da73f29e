package stt

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

const (
	transcribeEndpoint = "/inference"

	defaultTimeout  = 10 * time.Minute
	defaultBeamSize = 5
)

// WhisperService transcribes audio through a whisper-server instance. The
// server keeps the model loaded between requests; admission to the GPU is
// decided by the caller.
type WhisperService struct {
	baseURL  string
	client   *http.Client
	beamSize int
	vad      bool
	language string
}

// WhisperOption configures the service.
type WhisperOption func(*WhisperService)

// WithWhisperClient sets a custom HTTP client.
func WithWhisperClient(client *http.Client) WhisperOption {
	return func(s *WhisperService) { s.client = client }
}

// WithBeamSize overrides the decoding beam width.
func WithBeamSize(n int) WhisperOption {
	return func(s *WhisperService) { s.beamSize = n }
}

// WithLanguage pins the transcription language instead of auto-detecting.
func WithLanguage(lang string) WhisperOption {
	return func(s *WhisperService) { s.language = lang }
}

// NewWhisper creates a whisper-server client. Voice activity detection is on
// by default so silence does not produce hallucinated segments.
func NewWhisper(baseURL string, opts ...WhisperOption) *WhisperService {
	s := &WhisperService{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: defaultTimeout},
		beamSize: defaultBeamSize,
		vad:      true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the provider identifier.
func (s *WhisperService) Name() string {
	return "whisper-server"
}

type whisperResponse struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Error    string    `json:"error,omitempty"`
}

// Transcribe sends the audio file and returns timestamped segments.
func (s *WhisperService) Transcribe(ctx context.Context, audio []byte, filename string) ([]Segment, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio.wav"
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"beam_size":       strconv.Itoa(s.beamSize),
		"vad_filter":      strconv.FormatBool(s.vad),
	}
	if s.language != "" {
		fields["language"] = s.language
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+transcribeEndpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed whisperResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("whisper server error: %s", parsed.Error)
	}

	// Some builds return only the flat text; synthesize a single segment so
	// callers always get timestamps.
	if len(parsed.Segments) == 0 && parsed.Text != "" {
		return []Segment{{Text: parsed.Text}}, nil
	}
	return parsed.Segments, nil
}
