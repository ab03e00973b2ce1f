package messaging

import (
	"context"
	"time"

	"github.com/samber/lo"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
)

// LastMessageSummary is the inbox preview of a conversation's newest message.
type LastMessageSummary struct {
	Content   string
	CreatedAt time.Time
	SenderID  string
}

// InboxEntry is one conversation summary in a user's inbox.
type InboxEntry struct {
	Conversation Conversation
	OtherUser    identity.Profile
	LastMessage  *LastMessageSummary // nil when the conversation has no messages yet
}

// HistoryEntry is a message with its sender's display info.
type HistoryEntry struct {
	Message Message
	Sender  identity.Profile
}

// History is a conversation with its full ordered message log.
type History struct {
	Conversation Conversation
	Messages     []HistoryEntry
}

// Inbox lists userID's conversations, most recent activity first.
func (s *Service) Inbox(ctx context.Context, userID string) ([]InboxEntry, error) {
	const op = "messaging.Inbox"

	if !ids.Valid(userID) {
		return nil, invalid(op, "invalid user id")
	}
	userID = ids.Canonical(userID)

	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, persistErr(op, err)
	}
	if len(convs) == 0 {
		return []InboxEntry{}, nil
	}

	lastIDs := lo.FilterMap(convs, func(c Conversation, _ int) (string, bool) {
		return c.LastMessageID, c.LastMessageID != ""
	})
	lastMsgs, err := s.store.GetMessages(ctx, lastIDs)
	if err != nil {
		return nil, persistErr(op, err)
	}

	others := lo.Map(convs, func(c Conversation, _ int) string { return c.Pair.Other(userID) })
	profiles := s.lookupProfiles(ctx, others)

	return lo.Map(convs, func(c Conversation, i int) InboxEntry {
		e := InboxEntry{
			Conversation: c,
			OtherUser:    profileOf(profiles, others[i]),
		}
		if m, ok := lastMsgs[c.LastMessageID]; ok {
			e.LastMessage = &LastMessageSummary{Content: m.Content, CreatedAt: m.CreatedAt, SenderID: m.Sender}
		}
		return e
	}), nil
}

// History returns the conversation and its messages in creation order.
// Unknown ids and non-participants both fail with ErrNotFound.
func (s *Service) History(ctx context.Context, requester, conversationID string) (History, error) {
	const op = "messaging.History"

	if !ids.Valid(conversationID) {
		return History{}, notFound(op, "conversation not found")
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if IsNotFound(err) {
			return History{}, notFound(op, "conversation not found")
		}
		return History{}, persistErr(op, err)
	}
	if !conv.Pair.Has(requester) {
		return History{}, notFound(op, "conversation not found")
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return History{}, persistErr(op, err)
	}

	members := conv.Pair.Members()
	profiles := s.lookupProfiles(ctx, members[:])

	return History{
		Conversation: conv,
		Messages: lo.Map(msgs, func(m Message, _ int) HistoryEntry {
			return HistoryEntry{Message: m, Sender: profileOf(profiles, m.Sender)}
		}),
	}, nil
}

// lookupProfiles degrades to id-only profiles when the directory is unavailable.
func (s *Service) lookupProfiles(ctx context.Context, userIDs []string) map[string]identity.Profile {
	if s.dir == nil || len(userIDs) == 0 {
		return nil
	}
	profiles, err := s.dir.LookupProfiles(ctx, userIDs)
	if err != nil {
		s.log.Warn("profiles.lookup.fail", "count", len(userIDs), "err", err)
		return nil
	}
	return profiles
}

func profileOf(profiles map[string]identity.Profile, userID string) identity.Profile {
	if p, ok := profiles[userID]; ok {
		return p
	}
	return identity.Profile{ID: userID}
}
