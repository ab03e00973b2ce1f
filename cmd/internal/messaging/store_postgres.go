package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/identity/ids"
)

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - conversations.pair_key is UNIQUE; concurrent first messages for a pair
//     race on INSERT ... ON CONFLICT DO NOTHING and both read the winner's row.
//   - AppendMessage locks the conversation row FOR UPDATE so pointer updates
//     for the same conversation serialize.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return invalid("messaging.WithSchema", "empty schema")
		}
		if !isValidPGIdent(schema) {
			return invalid("messaging.WithSchema", "invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + conversations + ` (
			id              text PRIMARY KEY,
			user_low        text NOT NULL,
			user_high       text NOT NULL,
			pair_key        text NOT NULL,
			last_message_id text NULL,
			created_at      timestamptz NOT NULL,
			updated_at      timestamptz NOT NULL,
			CONSTRAINT conversations_pair_key_uniq UNIQUE (pair_key),
			CONSTRAINT conversations_pair_order_chk CHECK (user_low < user_high)
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_low_idx ON ` + conversations + ` (user_low, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_high_idx ON ` + conversations + ` (user_high, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			seq             bigint GENERATED ALWAYS AS IDENTITY,
			id              text PRIMARY KEY,
			conversation_id text NOT NULL REFERENCES ` + conversations + ` (id) ON DELETE CASCADE,
			sender_id       text NOT NULL,
			recipient_id    text NOT NULL,
			content         text NOT NULL CHECK (length(content) > 0),
			is_read         boolean NOT NULL DEFAULT false,
			created_at      timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON ` + messages + ` (conversation_id, created_at, seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("messaging: ensure schema: %w", err)
		}
	}
	return nil
}

const pgConvColumns = `id, user_low, user_high, COALESCE(last_message_id, ''), created_at, updated_at`

const pgMsgColumns = `id, conversation_id, sender_id, recipient_id, content, is_read, created_at`

// FindConversationByPair returns the pair's conversation or ErrNotFound.
func (s *PostgresStore) FindConversationByPair(ctx context.Context, pair Pair) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConvColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE pair_key = $1`,
		pair.Key(),
	)
	c, err := scanConversation(row)
	return c, mapPGError(err)
}

// CreateConversation inserts a conversation, failing with ErrConflict if the pair exists.
func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	if in.ID == "" || in.Pair.Low == "" {
		return Conversation{}, invalid("messaging.CreateConversation", "missing fields")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, user_low, user_high, pair_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		in.ID, in.Pair.Low, in.Pair.High, in.Pair.Key(), now,
	); err != nil {
		return Conversation{}, mapPGError(err)
	}

	return Conversation{ID: in.ID, Pair: in.Pair, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation returns the conversation by id or ErrNotFound.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConvColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		ids.Canonical(id),
	)
	c, err := scanConversation(row)
	return c, mapPGError(err)
}

// ListConversationsForUser returns the user's conversations, most recent activity first.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgConvColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE user_low = $1 OR user_high = $1
		  ORDER BY updated_at DESC, id DESC`,
		ids.Canonical(userID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage runs resolve-or-create, message insert and pointer update in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, user_low, user_high, pair_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (pair_key) DO NOTHING`,
		in.ConversationID, in.Pair.Low, in.Pair.High, in.Pair.Key(), now,
	)
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("resolve conversation: %w", mapPGError(err))
	}
	created := tag.RowsAffected() == 1

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+pgConvColumns+` FROM `+conversations+` WHERE pair_key = $1 FOR UPDATE`,
		in.Pair.Key(),
	))
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("lock conversation: %w", mapPGError(err))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, recipient_id, content, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6)`,
		in.MessageID, conv.ID, in.Sender, in.Recipient, in.Content, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", mapPGError(err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
		conv.ID, in.MessageID, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
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
func (s *PostgresStore) GetMessages(ctx context.Context, messageIDs []string) (map[string]Message, error) {
	out := make(map[string]Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMsgColumns+` FROM `+pgIdent(s.schema, "messages")+` WHERE id = ANY($1)`,
		messageIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// ListMessages returns the conversation's messages ordered by creation time.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMsgColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, seq ASC`,
		ids.Canonical(conversationID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Pair.Low, &c.Pair.High, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Recipient, &m.Content, &m.IsRead, &m.CreatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
