package chatapi

import (
	"time"

	"github.com/samber/lo"

	"courier/cmd/identity"
	"courier/cmd/internal/messaging"
)

type startRequest struct {
	RecipientID string `json:"recipientId"`
	// UserID is accepted as an alias for RecipientID.
	UserID string `json:"userId"`
}

type lastMessageResponse struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"senderId"`
}

type inboxEntryResponse struct {
	ConversationID string               `json:"conversationId"`
	OtherUser      identity.Profile     `json:"otherUser"`
	LastMessage    *lastMessageResponse `json:"lastMessage"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

type inboxResponse struct {
	Success bool                 `json:"success"`
	Inbox   []inboxEntryResponse `json:"inbox"`
}

type conversationResponse struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID *string   `json:"lastMessage"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type senderResponse struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type messageResponse struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Sender         senderResponse `json:"sender"`
	Recipient      string         `json:"recipient"`
	Content        string         `json:"content"`
	IsRead         bool           `json:"isRead"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type historyResponse struct {
	Success      bool                 `json:"success"`
	Conversation conversationResponse `json:"conversation"`
	Messages     []messageResponse    `json:"messages"`
}

type startResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	Created        bool   `json:"created"`
}

func toInboxResponse(entries []messaging.InboxEntry) inboxResponse {
	return inboxResponse{
		Success: true,
		Inbox: lo.Map(entries, func(e messaging.InboxEntry, _ int) inboxEntryResponse {
			out := inboxEntryResponse{
				ConversationID: e.Conversation.ID,
				OtherUser:      e.OtherUser,
				UpdatedAt:      e.Conversation.UpdatedAt,
			}
			if e.LastMessage != nil {
				out.LastMessage = &lastMessageResponse{
					Content:   e.LastMessage.Content,
					CreatedAt: e.LastMessage.CreatedAt,
					SenderID:  e.LastMessage.SenderID,
				}
			}
			return out
		}),
	}
}

func toConversationResponse(c messaging.Conversation) conversationResponse {
	out := conversationResponse{
		ID:           c.ID,
		Participants: c.Pair.Members(),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.LastMessageID != "" {
		id := c.LastMessageID
		out.LastMessageID = &id
	}
	return out
}

func toHistoryResponse(h messaging.History) historyResponse {
	return historyResponse{
		Success:      true,
		Conversation: toConversationResponse(h.Conversation),
		Messages: lo.Map(h.Messages, func(e messaging.HistoryEntry, _ int) messageResponse {
			return messageResponse{
				ID:             e.Message.ID,
				ConversationID: e.Message.ConversationID,
				Sender:         senderResponse{ID: e.Sender.ID, Name: e.Sender.Name},
				Recipient:      e.Message.Recipient,
				Content:        e.Message.Content,
				IsRead:         e.Message.IsRead,
				CreatedAt:      e.Message.CreatedAt,
			}
		}),
	}
}
