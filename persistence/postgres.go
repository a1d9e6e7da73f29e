package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/organbird/dot-project/logger"
)

// PostgresStore implements all store interfaces over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("connected to postgres")
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id          BIGSERIAL PRIMARY KEY,
	session_id  BIGINT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	sender      TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);
CREATE TABLE IF NOT EXISTS documents (
	id          BIGSERIAL PRIMARY KEY,
	file_name   TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	file_size   BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS meetings (
	id          BIGSERIAL PRIMARY KEY,
	file_name   TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	file_size   BIGINT NOT NULL DEFAULT 0,
	transcript  TEXT NOT NULL DEFAULT '',
	duration    DOUBLE PRECISION NOT NULL DEFAULT 0,
	summary     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS images (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL,
	prompt      TEXT NOT NULL,
	style       TEXT NOT NULL DEFAULT '',
	size        TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL DEFAULT '',
	file_path   TEXT NOT NULL DEFAULT '',
	file_size   BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID int64) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (user_id) VALUES ($1) RETURNING id, user_id, summary, created_at`,
		userID,
	).Scan(&sess.ID, &sess.UserID, &sess.Summary, &sess.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, summary, created_at FROM chat_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Summary, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSessionSummary(ctx context.Context, id int64, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("failed to update session summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessages(ctx context.Context, sessionID int64, msgs []Message) ([]Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		var out Message
		err := tx.QueryRow(ctx,
			`INSERT INTO chat_messages (session_id, sender, content)
			 VALUES ($1, $2, $3)
			 RETURNING id, session_id, sender, content, created_at`,
			sessionID, m.Sender, m.Content,
		).Scan(&out.ID, &out.SessionID, &out.Sender, &out.Content, &out.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		stored = append(stored, out)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID int64, n int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sender, content, created_at
		 FROM (SELECT * FROM chat_messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2) t
		 ORDER BY id ASC`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) MessagesByID(ctx context.Context, sessionID int64, ids []int64) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sender, content, created_at
		 FROM chat_messages WHERE session_id = $1 AND id = ANY($2)
		 ORDER BY id ASC`,
		sessionID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.Status == "" {
		doc.Status = DocStatusIndexing
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (file_name, file_path, file_size, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		doc.FileName, doc.FilePath, doc.FileSize, doc.Status,
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_name, file_path, file_size, status, summary, created_at
		 FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.FileName, &doc.FilePath, &doc.FileSize, &doc.Status, &doc.Summary, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentSummary(ctx context.Context, id int64, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("failed to update document summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateMeeting(ctx context.Context, m Meeting) (Meeting, error) {
	if m.Status == "" {
		m.Status = MeetingStatusProcessing
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO meetings (file_name, file_path, file_size, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		m.FileName, m.FilePath, m.FileSize, m.Status,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Meeting{}, fmt.Errorf("failed to create meeting: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, id int64) (Meeting, error) {
	var m Meeting
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_name, file_path, file_size, transcript, duration, summary, status, created_at
		 FROM meetings WHERE id = $1`, id,
	).Scan(&m.ID, &m.FileName, &m.FilePath, &m.FileSize, &m.Transcript, &m.Duration, &m.Summary, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("failed to get meeting: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) CompleteMeeting(ctx context.Context, id int64, transcript string, duration float64, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET transcript = $2, duration = $3, summary = $4, status = $5 WHERE id = $1`,
		id, transcript, duration, summary, MeetingStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailMeeting(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET status = $2 WHERE id = $1`, id, MeetingStatusError)
	if err != nil {
		return fmt.Errorf("failed to fail meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, img Image) (Image, error) {
	if img.Status == "" {
		img.Status = ImageStatusPending
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO images (user_id, prompt, style, size, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		img.UserID, img.Prompt, img.Style, img.Size, img.Status,
	).Scan(&img.ID, &img.CreatedAt)
	if err != nil {
		return Image{}, fmt.Errorf("failed to create image: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) GetImage(ctx context.Context, id int64) (Image, error) {
	var img Image
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, prompt, style, size, file_name, file_path, file_size, status, created_at
		 FROM images WHERE id = $1`, id,
	).Scan(&img.ID, &img.UserID, &img.Prompt, &img.Style, &img.Size,
		&img.FileName, &img.FilePath, &img.FileSize, &img.Status, &img.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) FinalizeImage(ctx context.Context, id int64, filePath, fileName string, fileSize int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET file_path = $2, file_name = $3, file_size = $4, status = $5 WHERE id = $1`,
		id, filePath, fileName, fileSize, ImageStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to finalize image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailImage(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET status = $2 WHERE id = $1`, id, ImageStatusError)
	if err != nil {
		return fmt.Errorf("failed to fail image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Interface conformance.
var (
	_ ChatStore     = (*PostgresStore)(nil)
	_ DocumentStore = (*PostgresStore)(nil)
	_ MeetingStore  = (*PostgresStore)(nil)
	_ ImageStore    = (*PostgresStore)(nil)

	_ ChatStore     = (*MemoryStore)(nil)
	_ DocumentStore = (*MemoryStore)(nil)
	_ MeetingStore  = (*MemoryStore)(nil)
	_ ImageStore    = (*MemoryStore)(nil)
)
