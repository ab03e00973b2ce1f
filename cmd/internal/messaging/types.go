package messaging

import (
	"context"
	"time"
)

// MaxContentChars bounds message content, counted in runes after trimming.
const MaxContentChars = 4000

// Conversation is the durable record of a participant pair.
type Conversation struct {
	ID            string
	Pair          Pair
	LastMessageID string // empty until the first message
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is an immutable direct message.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Recipient      string
	Content        string
	IsRead         bool
	CreatedAt      time.Time
}

// Store persists conversations and messages.
//
// Requirements:
//   - CreateConversation fails with ErrConflict when the pair already has a conversation.
//   - AppendMessage resolves-or-creates the pair's conversation, inserts the message and
//     moves the last-message pointer atomically.
//   - ListConversationsForUser orders by UpdatedAt DESC.
//   - ListMessages orders by CreatedAt ASC, then insertion order.
//   - Lookups of unknown ids fail with ErrNotFound.
type Store interface {
	FindConversationByPair(ctx context.Context, pair Pair) (Conversation, error)
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	GetMessages(ctx context.Context, ids []string) (map[string]Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	Close() error
}

// CreateConversationInput describes an explicit conversation creation.
type CreateConversationInput struct {
	ID   string
	Pair Pair
	Now  time.Time
}

// AppendMessageInput describes one step of the send pipeline.
// ConversationID is only used when the pair has no conversation yet.
type AppendMessageInput struct {
	ConversationID string
	MessageID      string
	Pair           Pair
	Sender         string
	Recipient      string
	Content        string
	Now            time.Time
}

// AppendMessageResult is the committed state after a successful append.
type AppendMessageResult struct {
	Message             Message
	Conversation        Conversation
	CreatedConversation bool
}

func (in AppendMessageInput) validate() error {
	if in.ConversationID == "" || in.MessageID == "" || in.Content == "" {
		return invalid("messaging.AppendMessage", "missing fields")
	}
	if in.Pair.Low == "" || !in.Pair.Has(in.Sender) || in.Pair.Other(in.Sender) != in.Recipient {
		return invalid("messaging.AppendMessage", "sender and recipient must match the pair")
	}
	return nil
}
