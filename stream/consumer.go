package stream

import (
	"context"
	"time"

	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/logger"
)

// pollTimeout bounds each BLPOP so the consumer can notice cancellation and
// track inactivity without busy-waiting.
const pollTimeout = time.Second

// Consumer drains a session's stream buffer.
type Consumer struct {
	store     kv.Store
	sessionID int64
	idleLimit time.Duration
}

// NewConsumer creates a consumer. idleLimit is the maximum quiet period
// before the stream is abandoned.
func NewConsumer(store kv.Store, sessionID int64, idleLimit time.Duration) *Consumer {
	return &Consumer{store: store, sessionID: sessionID, idleLimit: idleLimit}
}

// Consume reads frames in order and hands each to emit until a terminal
// frame arrives, the inactivity limit passes, the context is cancelled, or
// emit returns an error. An empty poll resets nothing: only received frames
// reset the inactivity timer.
//
// The terminal frame is delivered to emit as well; DONE carries no payload
// and typically maps to simply closing the response.
func (c *Consumer) Consume(ctx context.Context, emit func(Frame) error) error {
	key := Key(c.sessionID)
	lastActivity := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(lastActivity) > c.idleLimit {
			logger.Warn("stream consumer idle timeout", "session_id", c.sessionID)
			return nil
		}

		raw, ok, err := c.store.BLPop(ctx, key, pollTimeout)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		lastActivity = time.Now()

		frame, err := Decode(raw)
		if err != nil {
			logger.Warn("dropping malformed stream frame", "session_id", c.sessionID, "error", err)
			continue
		}

		if err := emit(frame); err != nil {
			return err
		}
		if frame.Terminal() {
			return nil
		}
	}
}
