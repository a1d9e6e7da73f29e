package persistence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of all store interfaces, used in
// tests and for running the master without a database.
type MemoryStore struct {
	mu sync.Mutex

	nextID   int64
	sessions map[int64]*Session
	messages map[int64][]Message
	docs     map[int64]*Document
	meetings map[int64]*Meeting
	images   map[int64]*Image
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*Session),
		messages: make(map[int64][]Message),
		docs:     make(map[int64]*Document),
		meetings: make(map[int64]*Meeting),
		images:   make(map[int64]*Image),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateSession(ctx context.Context, userID int64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := Session{ID: s.id(), UserID: userID, CreatedAt: time.Now()}
	s.sessions[sess.ID] = &sess
	return sess, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id int64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *MemoryStore) UpdateSessionSummary(ctx context.Context, id int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Summary = summary
	return nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, sessionID int64, msgs []Message) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	stored := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.ID = s.id()
		m.SessionID = sessionID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		s.messages[sessionID] = append(s.messages[sessionID], m)
		stored = append(stored, m)
	}
	return stored, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, sessionID int64, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[sessionID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *MemoryStore) MessagesByID(ctx context.Context, sessionID int64, ids []int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Message
	for _, m := range s.messages[sessionID] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.ID = s.id()
	if doc.Status == "" {
		doc.Status = DocStatusIndexing
	}
	doc.CreatedAt = time.Now()
	s.docs[doc.ID] = &doc
	return doc, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id int64) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return *doc, nil
}

func (s *MemoryStore) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.Status = status
	return nil
}

func (s *MemoryStore) UpdateDocumentSummary(ctx context.Context, id int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.Summary = summary
	return nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) CreateMeeting(ctx context.Context, m Meeting) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	if m.Status == "" {
		m.Status = MeetingStatusProcessing
	}
	m.CreatedAt = time.Now()
	s.meetings[m.ID] = &m
	return m, nil
}

func (s *MemoryStore) GetMeeting(ctx context.Context, id int64) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) CompleteMeeting(ctx context.Context, id int64, transcript string, duration float64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return ErrNotFound
	}
	m.Transcript = transcript
	m.Duration = duration
	m.Summary = summary
	m.Status = MeetingStatusCompleted
	return nil
}

func (s *MemoryStore) FailMeeting(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = MeetingStatusError
	return nil
}

func (s *MemoryStore) CreateImage(ctx context.Context, img Image) (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img.ID = s.id()
	if img.Status == "" {
		img.Status = ImageStatusPending
	}
	img.CreatedAt = time.Now()
	s.images[img.ID] = &img
	return img, nil
}

func (s *MemoryStore) GetImage(ctx context.Context, id int64) (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return Image{}, ErrNotFound
	}
	return *img, nil
}

func (s *MemoryStore) FinalizeImage(ctx context.Context, id int64, filePath, fileName string, fileSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return ErrNotFound
	}
	img.FilePath = filePath
	img.FileName = fileName
	img.FileSize = fileSize
	img.Status = ImageStatusCompleted
	return nil
}

func (s *MemoryStore) FailImage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return ErrNotFound
	}
	img.Status = ImageStatusError
	return nil
}
