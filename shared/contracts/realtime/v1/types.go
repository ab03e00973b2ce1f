// Package v1 defines the Courier Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello asks the server to echo the session identity (client -> server).
	TypeHello = "hello"
	// TypeHelloAck carries the authenticated identity bound to the connection (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSendMessage requests delivery of a direct message (client -> server).
	TypeSendMessage = "send_message"

	// TypeOnlineUsers carries the presence directory snapshot (server -> all connections).
	TypeOnlineUsers = "online_users"
	// TypeNewMessage delivers a persisted message to its online recipient.
	TypeNewMessage = "new_message"
	// TypeInboxUpdate tells the recipient which conversation moved and its new last message.
	TypeInboxUpdate = "inbox_update"
	// TypeMessageSentConfirmation is the sender's success outcome for a send_message.
	TypeMessageSentConfirmation = "message_sent_confirmation"
	// TypeMessageError is the sender's failure outcome for a send_message.
	TypeMessageError = "message_error"

	// TypeError is a protocol-level error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSendMessage,
		TypeOnlineUsers,
		TypeNewMessage,
		TypeInboxUpdate,
		TypeMessageSentConfirmation,
		TypeMessageError,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to request its session identity.
type HelloPayload struct{}

// HelloAckPayload echoes the identity bound at handshake time.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// SendMessagePayload requests sending a direct message to RecipientID.
// The sender is always the connection's authenticated identity.
type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// MessagePayload is the full persisted message record.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// OnlineUsersPayload is the presence snapshot broadcast after every directory change.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// InboxUpdatePayload tells a recipient that a conversation has a new last message.
type InboxUpdatePayload struct {
	ConversationID string         `json:"conversationId"`
	LastMessage    MessagePayload `json:"lastMessage"`
}

// MessageErrorPayload echoes the failed request back to the sender with a reason.
type MessageErrorPayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Error       string `json:"error"`
}

// ErrorPayload is a generic protocol error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
