// Package stream implements the per-session producer/consumer token buffer
// between the chat producer and the HTTP streaming response. Frames travel
// through a FIFO list in the shared KV store so the producer survives
// transient consumer disconnects.
package stream

import (
	"fmt"
	"strings"
	"time"
)

// Frame tags. Exactly one terminal frame (DONE, STOPPED or ERROR) is pushed
// per stream; DOCS and TEXT may repeat.
const (
	TagDocs    = "DOCS"
	TagText    = "TEXT"
	TagDone    = "DONE"
	TagStopped = "STOPPED"
	TagError   = "ERROR"
)

// How long a finished stream stays readable so a late consumer can drain.
const drainTTL = 60 * time.Second

// How long a stop request stays armed before expiring on its own.
const stopTTL = 60 * time.Second

// Frame is one tagged unit in the session stream.
type Frame struct {
	Tag     string
	Payload string
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Tag == TagDone || f.Tag == TagStopped || f.Tag == TagError
}

// Encode renders the frame in the "TAG:payload" wire form. Terminal tags
// without a payload carry no colon.
func (f Frame) Encode() string {
	if f.Tag == TagDone || f.Tag == TagStopped {
		return f.Tag
	}
	return f.Tag + ":" + f.Payload
}

// Decode parses a wire frame. Unknown tags are rejected so a corrupted
// buffer surfaces as an error instead of silent garbage.
func Decode(raw string) (Frame, error) {
	tag, payload, _ := strings.Cut(raw, ":")
	switch tag {
	case TagDocs, TagText, TagDone, TagStopped, TagError:
		return Frame{Tag: tag, Payload: payload}, nil
	default:
		return Frame{}, fmt.Errorf("unknown stream frame %q", raw)
	}
}

// Key returns the stream buffer list key for a session.
func Key(sessionID int64) string {
	return fmt.Sprintf("session:%d:stream_queue", sessionID)
}

// StopKey returns the cancellation flag key for a session.
func StopKey(sessionID int64) string {
	return fmt.Sprintf("session:%d:stop", sessionID)
}
