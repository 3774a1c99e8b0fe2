// Package memory stores conversation history in SQLite.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

var _ domain.ConversationStore = (*SQLiteStore)(nil)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements domain.ConversationStore.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock replaces time.Now for stamping rows.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, memoryError("open", fmt.Errorf("create data dir: %w", err))
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, memoryError("open", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" alive
	// and makes the pragmas below apply to every statement.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, memoryError("open", fmt.Errorf("set WAL mode: %w", err))
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, memoryError("open", fmt.Errorf("set busy timeout: %w", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, memoryError("migrate", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`)
	return err
}

func memoryError(op string, err error) error {
	return domain.NewSubSystemError("memory", "memory."+op, domain.ErrMemory, err.Error())
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveMessage appends msg, creating the conversation on first use.
func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID string, msg domain.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, memoryError("SaveMessage", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, now, now,
	); err != nil {
		return 0, memoryError("SaveMessage", err)
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		conversationID, msg.Role, msg.Content, now,
	)
	if err != nil {
		return 0, memoryError("SaveMessage", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, memoryError("SaveMessage", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, memoryError("SaveMessage", err)
	}
	return id, nil
}

// GetConversation returns every message of a conversation, oldest first.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, memoryError("GetConversation", err)
	}
	return scanMessages(rows, "GetConversation")
}

// GetRecentMessages returns the newest limit messages in chronological order.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return s.GetConversation(ctx, conversationID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at, id`, conversationID, limit)
	if err != nil {
		return nil, memoryError("GetRecentMessages", err)
	}
	return scanMessages(rows, "GetRecentMessages")
}

func scanMessages(rows *sql.Rows, op string) ([]domain.Message, error) {
	defer rows.Close()
	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var created string
		if err := rows.Scan(&m.Role, &m.Content, &created); err != nil {
			return nil, memoryError(op, err)
		}
		m.Timestamp = parseTime(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, memoryError(op, err)
	}
	return msgs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages finds messages containing query, newest first.
func (s *SQLiteStore) SearchMessages(ctx context.Context, query string, limit int) ([]domain.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, "%"+likeEscaper.Replace(query)+"%", limit)
	if err != nil {
		return nil, memoryError("SearchMessages", err)
	}
	defer rows.Close()

	out := []domain.StoredMessage{}
	for rows.Next() {
		var m domain.StoredMessage
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, memoryError("SearchMessages", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, memoryError("SearchMessages", err)
	}
	return out, nil
}

// ListConversations returns conversations most recently updated first. A
// non-positive limit returns all of them.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, memoryError("ListConversations", err)
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		var created, updated string
		if err := rows.Scan(&c.ID, &created, &updated); err != nil {
			return nil, memoryError("ListConversations", err)
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, memoryError("ListConversations", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages. Unknown ids
// are not an error.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memoryError("DeleteConversation", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return memoryError("DeleteConversation", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return memoryError("DeleteConversation", err)
	}
	if err := tx.Commit(); err != nil {
		return memoryError("DeleteConversation", err)
	}
	return nil
}

// PruneBefore deletes conversations last updated before cutoff and returns
// how many were removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, memoryError("PruneBefore", err)
	}
	defer tx.Rollback()

	ts := cutoff.UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE updated_at < ?
		)`, ts); err != nil {
		return 0, memoryError("PruneBefore", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE updated_at < ?", ts)
	if err != nil {
		return 0, memoryError("PruneBefore", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, memoryError("PruneBefore", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, memoryError("PruneBefore", err)
	}
	return n, nil
}
