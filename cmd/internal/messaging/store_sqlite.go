package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"courier/cmd/identity/ids"
)

// SQLiteStore is a Store backed by an embedded SQLite database (modernc.org/sqlite).
//
// The store owns its *sql.DB. It is limited to one open connection so that
// write transactions serialize instead of failing with SQLITE_BUSY.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, invalid("messaging.NewSQLiteStore", "empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			user_low        TEXT NOT NULL,
			user_high       TEXT NOT NULL,
			pair_key        TEXT NOT NULL UNIQUE,
			last_message_id TEXT,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			CHECK (user_low < user_high)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_low ON conversations(user_low, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_high ON conversations(user_high, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT NOT NULL,
			content         TEXT NOT NULL CHECK (length(content) > 0),
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteConvColumns = `id, user_low, user_high, COALESCE(last_message_id, ''), created_at, updated_at`

const sqliteMsgColumns = `id, conversation_id, sender_id, recipient_id, content, is_read, created_at`

type sqlRow interface {
	Scan(dest ...any) error
}

// FindConversationByPair returns the pair's conversation or ErrNotFound.
func (s *SQLiteStore) FindConversationByPair(ctx context.Context, pair Pair) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConvColumns+` FROM conversations WHERE pair_key = ?`, pair.Key())
	c, err := scanSQLiteConversation(row)
	return c, mapSQLiteError(err)
}

// CreateConversation inserts a conversation, failing with ErrConflict if the pair exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	if in.ID == "" || in.Pair.Low == "" {
		return Conversation{}, invalid("messaging.CreateConversation", "missing fields")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_low, user_high, pair_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.Pair.Low, in.Pair.High, in.Pair.Key(), now.UnixNano(), now.UnixNano(),
	); err != nil {
		return Conversation{}, mapSQLiteError(err)
	}
	return Conversation{ID: in.ID, Pair: in.Pair, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation returns the conversation by id or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConvColumns+` FROM conversations WHERE id = ?`, ids.Canonical(id))
	c, err := scanSQLiteConversation(row)
	return c, mapSQLiteError(err)
}

// ListConversationsForUser returns the user's conversations, most recent activity first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	uid := ids.Canonical(userID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteConvColumns+`
		   FROM conversations
		  WHERE user_low = ? OR user_high = ?
		  ORDER BY updated_at DESC, id DESC`,
		uid, uid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage runs resolve-or-create, message insert and pointer update in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_low, user_high, pair_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pair_key) DO NOTHING`,
		in.ConversationID, in.Pair.Low, in.Pair.High, in.Pair.Key(), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("resolve conversation: %w", mapSQLiteError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AppendMessageResult{}, err
	}
	created := n == 1

	conv, err := scanSQLiteConversation(tx.QueryRowContext(ctx,
		`SELECT `+sqliteConvColumns+` FROM conversations WHERE pair_key = ?`, in.Pair.Key()))
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("read conversation: %w", mapSQLiteError(err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		in.MessageID, conv.ID, in.Sender, in.Recipient, in.Content, now.UnixNano(),
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", mapSQLiteError(err))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		in.MessageID, now.UnixNano(), conv.ID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendMessageResult{}, err
	}

	conv.LastMessageID = in.MessageID
	conv.UpdatedAt = now

	return AppendMessageResult{
		Message: Message{
			ID:             in.MessageID,
			ConversationID: conv.ID,
			Sender:         in.Sender,
			Recipient:      in.Recipient,
			Content:        in.Content,
			CreatedAt:      now,
		},
		Conversation:        conv,
		CreatedConversation: created,
	}, nil
}

// GetMessages returns the subset of ids that exist.
func (s *SQLiteStore) GetMessages(ctx context.Context, messageIDs []string) (map[string]Message, error) {
	out := make(map[string]Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMsgColumns+` FROM messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// ListMessages returns the conversation's messages ordered by creation time.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMsgColumns+`
		   FROM messages
		  WHERE conversation_id = ?
		  ORDER BY created_at ASC, rowid ASC`,
		ids.Canonical(conversationID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSQLiteConversation(row sqlRow) (Conversation, error) {
	var (
		c                    Conversation
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.Pair.Low, &c.Pair.High, &c.LastMessageID, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return c, nil
}

func scanSQLiteMessage(row sqlRow) (Message, error) {
	var (
		m         Message
		isRead    int64
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Recipient, &m.Content, &isRead, &createdAt); err != nil {
		return Message{}, err
	}
	m.IsRead = isRead != 0
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return m, nil
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
