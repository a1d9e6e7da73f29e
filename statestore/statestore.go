// Package statestore maintains the per-session conversation context: a
// rolling summary plus a bounded window of recent turns, cached in the shared
// KV store with the persistent chat store as the source of truth.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/organbird/dot-project/broker"
	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/logger"
	"github.com/organbird/dot-project/persistence"
)

// Turn is one message as seen by the prompt assembler.
type Turn struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Context is the cached conversation state for one session.
type Context struct {
	Summary  string `json:"summary"`
	Messages []Turn `json:"messages"`
}

// SummaryTask is the payload of an update-summary task. The worker fuses the
// current summary with the evicted turns and posts the result back.
type SummaryTask struct {
	SessionID int64  `json:"session_id"`
	Summary   string `json:"summary"`
	Oldest    []Turn `json:"oldest"`
}

// Store reads and appends session context.
type Store struct {
	kv        kv.Store
	chats     persistence.ChatStore
	broker    *broker.Broker
	window    int
	threshold int
	ttl       time.Duration
}

// Config wires the store.
type Config struct {
	KV        kv.Store
	Chats     persistence.ChatStore
	Broker    *broker.Broker
	Window    int           // messages kept in cache
	Threshold int           // cache length that triggers re-summary
	TTL       time.Duration // cache lifetime
}

// New creates a session context store.
func New(cfg Config) *Store {
	return &Store{
		kv:        cfg.KV,
		chats:     cfg.Chats,
		broker:    cfg.Broker,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
	}
}

func cacheKey(sessionID int64) string {
	return fmt.Sprintf("session:%d:context", sessionID)
}

// Load returns the session context, refilling the cache from the persistent
// store on a miss. Returns persistence.ErrNotFound for unknown sessions.
func (s *Store) Load(ctx context.Context, sessionID int64) (Context, error) {
	raw, ok, err := s.kv.Get(ctx, cacheKey(sessionID))
	if err == nil && ok {
		var cached Context
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
		logger.Warn("discarding corrupt session cache", "session_id", sessionID)
	}

	sess, err := s.chats.GetSession(ctx, sessionID)
	if err != nil {
		return Context{}, err
	}
	msgs, err := s.chats.RecentMessages(ctx, sessionID, s.window)
	if err != nil {
		return Context{}, fmt.Errorf("failed to load recent messages: %w", err)
	}

	cached := Context{Summary: sess.Summary, Messages: make([]Turn, 0, len(msgs))}
	for _, m := range msgs {
		cached.Messages = append(cached.Messages, Turn{Sender: m.Sender, Content: m.Content})
	}

	s.writeCache(ctx, sessionID, cached)
	return cached, nil
}

// Append adds a completed turn pair to the cache. When the cached window
// reaches the re-summary threshold, the two oldest messages are evicted into
// an update-summary task so the summary absorbs them.
//
// Cache writes are last-writer-wins; a lost append is refilled from the
// persistent store on the next session open.
func (s *Store) Append(ctx context.Context, sessionID int64, userTurn, aiTurn Turn) error {
	cached := Context{}
	if raw, ok, err := s.kv.Get(ctx, cacheKey(sessionID)); err == nil && ok {
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			cached = Context{}
		}
	}

	cached.Messages = append(cached.Messages, userTurn, aiTurn)

	if len(cached.Messages) >= s.threshold && len(cached.Messages) >= 2 {
		oldest := []Turn{cached.Messages[0], cached.Messages[1]}
		taskID, err := s.broker.Submit(ctx, broker.TaskUpdateSummary, SummaryTask{
			SessionID: sessionID,
			Summary:   cached.Summary,
			Oldest:    oldest,
		})
		if err != nil {
			return fmt.Errorf("failed to submit summary task: %w", err)
		}
		logger.Info("re-summary triggered", "session_id", sessionID, "task_id", taskID)
		cached.Messages = cached.Messages[2:]
	}

	s.writeCache(ctx, sessionID, cached)
	return nil
}

// SetSummary updates the persistent summary and patches the cached copy,
// leaving the cached message window intact.
func (s *Store) SetSummary(ctx context.Context, sessionID int64, summary string) error {
	if err := s.chats.UpdateSessionSummary(ctx, sessionID, summary); err != nil {
		return err
	}

	if raw, ok, err := s.kv.Get(ctx, cacheKey(sessionID)); err == nil && ok {
		var cached Context
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			cached.Summary = summary
			s.writeCache(ctx, sessionID, cached)
		}
	}
	return nil
}

// Invalidate drops the cached context so the next Load refills from the
// persistent store.
func (s *Store) Invalidate(ctx context.Context, sessionID int64) error {
	return s.kv.Del(ctx, cacheKey(sessionID))
}

func (s *Store) writeCache(ctx context.Context, sessionID int64, c Context) {
	raw, err := json.Marshal(c)
	if err != nil {
		logger.Warn("failed to marshal session cache", "session_id", sessionID, "error", err)
		return
	}
	if err := s.kv.Set(ctx, cacheKey(sessionID), string(raw), s.ttl); err != nil {
		logger.Warn("failed to write session cache", "session_id", sessionID, "error", err)
	}
}
