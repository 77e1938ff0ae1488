// Package threads persists chat threads and confirmed messages in SQLite.
package threads

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/p-blackswan/chat-engine/internal/protocol"
)

const maxTitleChars = 50

// Thread is one persisted conversation.
type Thread struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
}

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "thread_store").Logger(),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		timestamp  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateThread creates a thread titled after the first message. Callers
// that fail here must mark their optimistic entries failed rather than
// silently dropping them.
func (s *Store) CreateThread(ctx context.Context, firstMessageContent string) (*Thread, error) {
	t := &Thread{
		ID:        uuid.New().String(),
		Title:     deriveTitle(firstMessageContent),
		CreatedAt: time.Now().UnixMilli(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Title, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	s.logger.Info().Str("thread_id", t.ID).Str("title", t.Title).Msg("thread created")
	return t, nil
}

// deriveTitle builds a thread title from the first message content.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if title == "" {
		return "New chat"
	}
	runes := []rune(title)
	if len(runes) > maxTitleChars {
		return string(runes[:maxTitleChars]) + "…"
	}
	return title
}

// GetThread returns a thread by id, or nil if it does not exist.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// ListThreads returns all threads, newest first.
func (s *Store) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM threads ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveMessage upserts a confirmed message. Confirmation may arrive more
// than once for the same id; the newer content wins.
func (s *Store) SaveMessage(ctx context.Context, m protocol.ChatMessage) error {
	if m.ID == "" || m.ThreadID == "" {
		return fmt.Errorf("message missing id or thread id")
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO messages (id, thread_id, role, content, timestamp)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET content = excluded.content
	`, m.ID, m.ThreadID, m.Role, m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListMessages returns a thread's messages in timestamp order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]protocol.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, thread_id, role, content, timestamp FROM messages
	WHERE thread_id = ? ORDER BY timestamp ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.ChatMessage
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
