package stream

import (
	"context"

	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/logger"
)

// Producer pushes frames for one chat turn. There is one producer per session
// at a time, enforced by task admission upstream, not by the buffer itself.
type Producer struct {
	store     kv.Store
	sessionID int64
	key       string
	terminal  bool
}

// NewProducer prepares a producer for the session. Begin must be called
// before the first push.
func NewProducer(store kv.Store, sessionID int64) *Producer {
	return &Producer{
		store:     store,
		sessionID: sessionID,
		key:       Key(sessionID),
	}
}

// Begin deletes any residue from a previous turn. Leftover frames would
// bleed into this turn's response, so the buffer always starts empty.
func (p *Producer) Begin(ctx context.Context) error {
	return p.store.Del(ctx, p.key)
}

// Docs pushes the retrieval preface frame.
func (p *Producer) Docs(ctx context.Context, docsJSON string) error {
	return p.push(ctx, Frame{Tag: TagDocs, Payload: docsJSON})
}

// Text pushes one generated token.
func (p *Producer) Text(ctx context.Context, token string) error {
	return p.push(ctx, Frame{Tag: TagText, Payload: token})
}

// Done pushes the natural-end terminal frame.
func (p *Producer) Done(ctx context.Context) error {
	return p.pushTerminal(ctx, Frame{Tag: TagDone})
}

// Stopped pushes the cancellation terminal frame and clears the stop flag so
// the next turn starts clean.
func (p *Producer) Stopped(ctx context.Context) error {
	if err := p.pushTerminal(ctx, Frame{Tag: TagStopped}); err != nil {
		return err
	}
	if err := p.store.Del(ctx, StopKey(p.sessionID)); err != nil {
		logger.Warn("failed to clear stop flag", "session_id", p.sessionID, "error", err)
	}
	return nil
}

// Error pushes the failure terminal frame.
func (p *Producer) Error(ctx context.Context, msg string) error {
	return p.pushTerminal(ctx, Frame{Tag: TagError, Payload: msg})
}

// StopRequested reports whether a cancellation flag is set for the session.
// The producer checks this between tokens.
func (p *Producer) StopRequested(ctx context.Context) bool {
	ok, err := p.store.Exists(ctx, StopKey(p.sessionID))
	if err != nil {
		logger.Warn("stop flag check failed", "session_id", p.sessionID, "error", err)
		return false
	}
	return ok
}

func (p *Producer) push(ctx context.Context, f Frame) error {
	if p.terminal {
		return nil // stream already ended; drop silently
	}
	return p.store.RPush(ctx, p.key, f.Encode())
}

func (p *Producer) pushTerminal(ctx context.Context, f Frame) error {
	if p.terminal {
		return nil
	}
	p.terminal = true
	if err := p.store.RPush(ctx, p.key, f.Encode()); err != nil {
		return err
	}
	// Keep the buffer around briefly for a consumer that reconnects late.
	if err := p.store.Expire(ctx, p.key, drainTTL); err != nil {
		logger.Warn("failed to set stream drain TTL", "session_id", p.sessionID, "error", err)
	}
	return nil
}

// RequestStop arms the cancellation flag for a session. The flag expires on
// its own in case no producer is running to consume it.
func RequestStop(ctx context.Context, store kv.Store, sessionID int64) error {
	return store.Set(ctx, StopKey(sessionID), "1", stopTTL)
}
