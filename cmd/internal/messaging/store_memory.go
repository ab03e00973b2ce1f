package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/cmd/identity/ids"
)

// MemoryStore is a dev-only fallback when no database is configured.
// A single mutex makes every operation, including AppendMessage, atomic.
type MemoryStore struct {
	mu     sync.Mutex
	convs  map[string]Conversation // id -> conversation
	byPair map[string]string       // pair key -> conversation id
	msgs   map[string]Message      // id -> message
	logs   map[string][]string     // conversation id -> message ids, insertion order
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[string]Conversation),
		byPair: make(map[string]string),
		msgs:   make(map[string]Message),
		logs:   make(map[string][]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// FindConversationByPair returns the pair's conversation or ErrNotFound.
func (s *MemoryStore) FindConversationByPair(ctx context.Context, pair Pair) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pair.Key()]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return s.convs[id], nil
}

// CreateConversation inserts a new conversation, failing with ErrConflict if the pair exists.
func (s *MemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	if in.ID == "" || in.Pair.Low == "" {
		return Conversation{}, invalid("messaging.CreateConversation", "missing fields")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPair[in.Pair.Key()]; ok {
		return Conversation{}, ErrConflict
	}
	if _, ok := s.convs[in.ID]; ok {
		return Conversation{}, ErrConflict
	}
	return s.insertConvLocked(in.ID, in.Pair, in.Now), nil
}

// GetConversation returns the conversation by id or ErrNotFound.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[ids.Canonical(id)]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// ListConversationsForUser returns the user's conversations, most recent activity first.
func (s *MemoryStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.Pair.Has(userID) {
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// AppendMessage resolves-or-creates the conversation, stores the message and moves the pointer.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.msgs[in.MessageID]; ok {
		return AppendMessageResult{}, ErrConflict
	}

	created := false
	conv, ok := s.convs[s.byPair[in.Pair.Key()]]
	if !ok {
		conv = s.insertConvLocked(in.ConversationID, in.Pair, now)
		created = true
	}

	msg := Message{
		ID:             in.MessageID,
		ConversationID: conv.ID,
		Sender:         in.Sender,
		Recipient:      in.Recipient,
		Content:        in.Content,
		IsRead:         false,
		CreatedAt:      now,
	}
	s.msgs[msg.ID] = msg
	s.logs[conv.ID] = append(s.logs[conv.ID], msg.ID)

	conv.LastMessageID = msg.ID
	conv.UpdatedAt = now
	s.convs[conv.ID] = conv

	return AppendMessageResult{Message: msg, Conversation: conv, CreatedConversation: created}, nil
}

// GetMessages returns the subset of ids that exist.
func (s *MemoryStore) GetMessages(ctx context.Context, messageIDs []string) (map[string]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Message, len(messageIDs))
	for _, id := range messageIDs {
		if m, ok := s.msgs[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

// ListMessages returns the conversation's messages ordered by creation time.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	log := s.logs[ids.Canonical(conversationID)]
	out := make([]Message, 0, len(log))
	for _, id := range log {
		out = append(out, s.msgs[id])
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) insertConvLocked(id string, pair Pair, now time.Time) Conversation {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c := Conversation{
		ID:        id,
		Pair:      pair,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[id] = c
	s.byPair[pair.Key()] = id
	return c
}
