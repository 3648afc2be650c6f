// Package store provides the SQLite-backed conversation history. A
// conversation is a named, ordered log of user and assistant messages.
// The store owns its database handle: open it once at process start and
// close it at shutdown.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// DefaultConversationName is used when a conversation is created without a
// name.
const DefaultConversationName = "Nouvelle conversation"

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("store: conversation not found")

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message sent by the human.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the language model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the store accepts.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Conversation is a named message thread.
type Conversation struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single turn in a conversation.
type Message struct {
	// Role is the author of the message.
	Role Role `json:"role"`
	// Content is the text of the message.
	Content string `json:"content"`
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists conversations and their messages.
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// Create starts a conversation. An empty name uses DefaultConversationName.
	Create(ctx context.Context, name string) (Conversation, error)
	// List returns every conversation, newest first.
	List(ctx context.Context) ([]Conversation, error)
	// Get returns one conversation.
	Get(ctx context.Context, id int64) (Conversation, error)
	// Rename changes a conversation's name.
	Rename(ctx context.Context, id int64, name string) error
	// Delete removes a conversation and all of its messages.
	Delete(ctx context.Context, id int64) error
	// DeleteAll removes every conversation and message.
	DeleteAll(ctx context.Context) error
	// Append persists a single message.
	Append(ctx context.Context, id int64, role Role, content string) error
	// Messages returns all messages of a conversation, oldest first.
	Messages(ctx context.Context, id int64) ([]Message, error)
	// Recent returns the most recent n messages, ordered oldest-first so they
	// can be prepended to the LLM message slice directly. If fewer than n
	// messages exist, all are returned.
	Recent(ctx context.Context, id int64, n int) ([]Message, error)
	// Count returns the number of messages in a conversation.
	Count(ctx context.Context, id int64) (int, error)
	// ByRole returns the contents of a conversation's messages from role,
	// oldest first.
	ByRole(ctx context.Context, id int64, role Role) ([]string, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a ConversationStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the conversation history database.
// It resolves to ~/.ragchat/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role            TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content         TEXT    NOT NULL,
    created_at      INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Create starts a new conversation.
func (s *SQLiteStore) Create(ctx context.Context, name string) (Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultConversationName
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (name, created_at) VALUES (?, ?)`, name, now.Unix())
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create: %w", err)
	}
	return Conversation{ID: id, Name: name, CreatedAt: time.Unix(now.Unix(), 0)}, nil
}

// List returns every conversation, most recently created first.
func (s *SQLiteStore) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM conversations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		var c Conversation
		var ts int64
		if err := rows.Scan(&c.ID, &c.Name, &ts); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		c.CreatedAt = time.Unix(ts, 0)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return convs, nil
}

// Get returns the conversation with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (Conversation, error) {
	c := Conversation{ID: id}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM conversations WHERE id = ?`, id).Scan(&c.Name, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get: %w", err)
	}
	c.CreatedAt = time.Unix(ts, 0)
	return c, nil
}

// Rename changes a conversation's name. Blank names are rejected.
func (s *SQLiteStore) Rename(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("store: rename: name must not be empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return requireRow(res, id)
}

// Delete removes a conversation and its messages in one transaction.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete commit: %w", err)
	}
	return nil
}

// DeleteAll removes every conversation and message.
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete all: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{`DELETE FROM messages`, `DELETE FROM conversations`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: delete all: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete all commit: %w", err)
	}
	return nil
}

// Append persists a single message to an existing conversation.
func (s *SQLiteStore) Append(ctx context.Context, id int64, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("store: append: invalid role %q", role)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	const q = `INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, id, string(role), content, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// Messages returns every message of the conversation, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, id int64) ([]Message, error) {
	const q = `
SELECT role, content, created_at
FROM   messages
WHERE  conversation_id = ?
ORDER  BY created_at ASC, id ASC`
	return s.queryMessages(ctx, "messages", q, id)
}

// Recent returns the most recent n messages of the conversation, ordered
// oldest-first. Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) Recent(ctx context.Context, id int64, n int) ([]Message, error) {
	const q = `
SELECT role, content, created_at FROM (
    SELECT id, role, content, created_at
    FROM   messages
    WHERE  conversation_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, "recent", q, id, n)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, op, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var role string
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: %s scan: %w", op, err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %s rows: %w", op, err)
	}
	return msgs, nil
}

// Count returns the number of messages in the conversation.
func (s *SQLiteStore) Count(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// ByRole returns the contents of the conversation's messages authored by
// role, oldest first.
func (s *SQLiteStore) ByRole(ctx context.Context, id int64, role Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM messages WHERE conversation_id = ? AND role = ? ORDER BY created_at ASC, id ASC`,
		id, string(role))
	if err != nil {
		return nil, fmt.Errorf("store: by role: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("store: by role scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: by role rows: %w", err)
	}
	return out, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

var _ ConversationStore = (*SQLiteStore)(nil)
