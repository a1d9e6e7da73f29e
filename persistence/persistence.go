// Package persistence defines the durable business records behind the API:
// chat sessions and messages, uploaded documents, meeting recordings, and
// generated images. Two implementations exist, a postgres one for production
// and an in-memory one for tests.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("persistence: not found")

// Message senders.
const (
	SenderUser = "USER"
	SenderAI   = "AI"
)

// Document indexing states.
const (
	DocStatusIndexing = "INDEXING"
	DocStatusIndexed  = "INDEXED"
	DocStatusError    = "ERROR"
)

// Meeting transcription states.
const (
	MeetingStatusProcessing = "PROCESSING"
	MeetingStatusCompleted  = "COMPLETED"
	MeetingStatusError      = "ERROR"
)

// Image generation states.
const (
	ImageStatusPending   = "PENDING"
	ImageStatusCompleted = "COMPLETED"
	ImageStatusError     = "ERROR"
)

// Session is one chat session with its rolling summary.
type Session struct {
	ID        int64
	UserID    int64
	Summary   string
	CreatedAt time.Time
}

// Message is one persisted chat turn half.
type Message struct {
	ID        int64
	SessionID int64
	Sender    string
	Content   string
	CreatedAt time.Time
}

// Document is an uploaded file indexed for retrieval.
type Document struct {
	ID        int64
	FileName  string
	FilePath  string
	FileSize  int64
	Status    string
	Summary   string
	CreatedAt time.Time
}

// Meeting is an uploaded recording with its transcript.
type Meeting struct {
	ID         int64
	FileName   string
	FilePath   string
	FileSize   int64
	Transcript string
	Duration   float64
	Summary    string
	Status     string
	CreatedAt  time.Time
}

// Image is a generation request and, once finished, its stored file.
type Image struct {
	ID        int64
	UserID    int64
	Prompt    string
	Style     string
	Size      string
	FileName  string
	FilePath  string
	FileSize  int64
	Status    string
	CreatedAt time.Time
}

// ChatStore persists sessions and their messages.
type ChatStore interface {
	CreateSession(ctx context.Context, userID int64) (Session, error)
	GetSession(ctx context.Context, id int64) (Session, error)
	UpdateSessionSummary(ctx context.Context, id int64, summary string) error
	// AppendMessages stores turns in order and returns them with ids assigned.
	AppendMessages(ctx context.Context, sessionID int64, msgs []Message) ([]Message, error)
	// RecentMessages returns the last n messages, oldest first.
	RecentMessages(ctx context.Context, sessionID int64, n int) ([]Message, error)
	// MessagesByID returns the named messages of the session, oldest first.
	MessagesByID(ctx context.Context, sessionID int64, ids []int64) ([]Message, error)
}

// DocumentStore persists uploaded documents.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, id int64) (Document, error)
	UpdateDocumentStatus(ctx context.Context, id int64, status string) error
	UpdateDocumentSummary(ctx context.Context, id int64, summary string) error
	DeleteDocument(ctx context.Context, id int64) error
}

// MeetingStore persists meeting recordings.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, m Meeting) (Meeting, error)
	GetMeeting(ctx context.Context, id int64) (Meeting, error)
	// CompleteMeeting writes the transcript and flips the status to COMPLETED.
	CompleteMeeting(ctx context.Context, id int64, transcript string, duration float64, summary string) error
	FailMeeting(ctx context.Context, id int64) error
}

// ImageStore persists image generation requests.
type ImageStore interface {
	CreateImage(ctx context.Context, img Image) (Image, error)
	GetImage(ctx context.Context, id int64) (Image, error)
	// FinalizeImage records the stored file and flips the status to COMPLETED.
	FinalizeImage(ctx context.Context, id int64, filePath, fileName string, fileSize int64) error
	FailImage(ctx context.Context, id int64) error
}
