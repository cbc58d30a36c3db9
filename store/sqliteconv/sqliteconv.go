// Package sqliteconv provides a SQLite-backed store.ConversationStore.
// Conversation headers and message rows live in two tables; message
// ordering is by created_at with a rowid tiebreak so same-millisecond
// inserts keep their insertion order.
package sqliteconv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/planloop/planloop/store"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides SQLite-backed persistence for conversation records.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at the provided path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) UpsertConversation(ctx context.Context, conv store.Conversation) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			updated_at = excluded.updated_at`,
		conv.ID, conv.UserID, conv.Title, toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	var conv store.Conversation
	var createdAt, updatedAt int64
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.Conversation
	for rows.Next() {
		var conv store.Conversation
		var createdAt, updatedAt int64
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.CreatedAt = fromMillis(createdAt)
		conv.UpdatedAt = fromMillis(updatedAt)
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) SetTitle(ctx context.Context, id string, title string) error {
	res, err := s.sqlDB.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set title rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, msg store.Message) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, toMillis(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, conversationID string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var msg store.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		out = append(out, msg)
	}
	return out, rows.Err()
}
