// Package history is a local, client-side cache of closed conversation
// messages, backed by an embedded SQLite database. It exists so a client
// can render prior context when it reconnects to a conversation; the
// service remains the source of truth.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one cached conversation message.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Store wraps the SQLite-backed message cache.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, created_at);
`

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history database ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts one closed message. Messages without an id are skipped:
// without a service identifier there is nothing stable to key on across
// reconnects.
func (s *Store) Record(msg Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id, id) DO UPDATE SET content = excluded.content`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record message %s: %w", msg.ID, err)
	}
	return nil
}

// Recent returns up to limit most recent messages for a conversation, in
// chronological order.
func (s *Store) Recent(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, role, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg := Message{ConversationID: conversationID}
		var createdMillis int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &createdMillis); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdMillis)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Rows came back newest-first; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Forget removes all cached messages for a conversation.
func (s *Store) Forget(conversationID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("forget conversation %s: %w", conversationID, err)
	}
	return nil
}
