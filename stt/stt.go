// Package stt transcribes meeting audio through a whisper-compatible
// inference server.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// Engine converts audio bytes into timestamped segments.
type Engine interface {
	Transcribe(ctx context.Context, audio []byte, filename string) ([]Segment, error)
}

// ErrEmptyAudio is returned when no audio bytes were provided.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Segment is one transcribed span with timestamps in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Timestamp renders a segment offset as MM:SS.
func Timestamp(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
