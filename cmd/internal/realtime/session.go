package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"courier/cmd/internal/messaging"
	"courier/cmd/internal/telemetry"
	v1 "courier/shared/contracts/realtime/v1"
)

const defaultSendTimeout = 10 * time.Second

// SessionManager owns the live connections and the presence directory, and runs
// the send-message protocol on behalf of authenticated connections.
//
// It never writes to the network: every outbound event is pushed onto a
// Client's queue and the transport drains it.
//
// Concurrency model:
//   - Each connection calls HandleSend from its own read loop, so one user's
//     sends are processed in arrival order while other connections proceed.
//   - Fan-out (new_message, inbox_update, online_users) never blocks; events
//     are dropped for queues that are full.
//   - The sender's terminal outcome waits for queue space instead of dropping.
type SessionManager struct {
	log      *slog.Logger
	svc      *messaging.Service
	presence *Presence
	metrics  *telemetry.Metrics

	sendTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Client // session id -> live connection
}

// NewSessionManager constructs a SessionManager. presence and metrics may be nil.
func NewSessionManager(log *slog.Logger, svc *messaging.Service, presence *Presence, metrics *telemetry.Metrics) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	if presence == nil {
		presence = NewPresence()
	}
	return &SessionManager{
		log:         log,
		svc:         svc,
		presence:    presence,
		metrics:     metrics,
		sendTimeout: defaultSendTimeout,
		conns:       make(map[string]*Client),
	}
}

// Presence returns the directory owned by this manager.
func (m *SessionManager) Presence() *Presence { return m.presence }

// Connections returns the number of live connections, displaced ones included.
func (m *SessionManager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Connect registers an authenticated connection and broadcasts the new presence snapshot.
func (m *SessionManager) Connect(c *Client) {
	m.mu.Lock()
	m.conns[c.SessionID] = c
	m.mu.Unlock()

	if displaced := m.presence.Register(c); displaced != nil {
		m.log.Info("presence.displaced", "user_id", c.UserID, "session_id", c.SessionID, "displaced_session_id", displaced.SessionID)
	}

	m.metrics.ConnOpened()
	m.metrics.SetOnline(m.presence.Len())
	m.log.Info("presence.register", "user_id", c.UserID, "session_id", c.SessionID)

	m.broadcastOnlineUsers()
}

// Disconnect removes the connection. The presence entry is only removed when it
// still points at c, so a late disconnect cannot evict a newer reconnection.
// Disconnect is idempotent.
func (m *SessionManager) Disconnect(c *Client) {
	m.mu.Lock()
	_, live := m.conns[c.SessionID]
	delete(m.conns, c.SessionID)
	m.mu.Unlock()

	if !live {
		return
	}
	c.Close()
	m.metrics.ConnClosed()

	if err := m.presence.Unregister(c); err != nil {
		if errors.Is(err, ErrStalePresence) {
			m.log.Debug("presence.unregister.stale", "user_id", c.UserID, "session_id", c.SessionID)
			return
		}
		m.log.Warn("presence.unregister.fail", "user_id", c.UserID, "session_id", c.SessionID, "err", err)
		return
	}

	m.metrics.SetOnline(m.presence.Len())
	m.log.Info("presence.unregister", "user_id", c.UserID, "session_id", c.SessionID)

	m.broadcastOnlineUsers()
}

// CloseAll signals every live connection to shut down.
func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Client, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

// HandleSend runs the send-message protocol for sender and pushes exactly one
// terminal outcome (confirmation or message_error) onto the sender's queue.
//
// Persistence is not canceled when the connection goes away; only the
// outcome event is lost in that case.
func (m *SessionManager) HandleSend(ctx context.Context, sender *Client, p v1.SendMessagePayload) {
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.sendTimeout)
	res, err := m.svc.SendMessage(sendCtx, sender.UserID, messaging.SendRequest{
		RecipientID: p.RecipientID,
		Content:     p.Content,
	})
	cancel()

	if err != nil {
		m.failSend(ctx, sender, p, err)
		return
	}

	msg := messagePayload(res.Message)

	if rc, ok := m.presence.Lookup(res.Message.Recipient); ok {
		m.push(rc, v1.TypeNewMessage, msg)
		m.push(rc, v1.TypeInboxUpdate, v1.InboxUpdatePayload{
			ConversationID: res.Conversation.ID,
			LastMessage:    msg,
		})
		m.metrics.Delivery(true)
	} else {
		m.metrics.Delivery(false)
	}

	m.metrics.SendOutcome(telemetry.SendConfirmed, time.Since(start))
	m.log.Info("send.ok",
		"user_id", sender.UserID,
		"session_id", sender.SessionID,
		"conversation_id", res.Conversation.ID,
		"message_id", res.Message.ID,
		"created_conversation", res.CreatedConversation,
	)

	m.deliverOutcome(ctx, sender, v1.TypeMessageSentConfirmation, msg)
}

// RejectSend reports a send attempt that never reached the send pipeline, such as
// an undecodable payload or an invalid envelope. Whatever recipientId and content
// strings can be recovered from raw are echoed back.
func (m *SessionManager) RejectSend(ctx context.Context, sender *Client, raw json.RawMessage, reason string) {
	recipientID, content := recoverSendFields(raw)

	m.metrics.SendOutcome(telemetry.SendInvalid, 0)
	m.log.Info("send.reject", "user_id", sender.UserID, "session_id", sender.SessionID, "reason", reason)
	m.deliverOutcome(ctx, sender, v1.TypeMessageError, v1.MessageErrorPayload{
		RecipientID: recipientID,
		Content:     content,
		Error:       reason,
	})
}

func recoverSendFields(raw json.RawMessage) (recipientID, content string) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", ""
	}
	recipientID, _ = fields["recipientId"].(string)
	content, _ = fields["content"].(string)
	return recipientID, content
}

func (m *SessionManager) failSend(ctx context.Context, sender *Client, p v1.SendMessagePayload, err error) {
	if messaging.IsInvalidInput(err) {
		m.metrics.SendOutcome(telemetry.SendInvalid, 0)
		m.log.Info("send.reject", "user_id", sender.UserID, "session_id", sender.SessionID, "err", err)
	} else {
		m.metrics.SendOutcome(telemetry.SendFailed, 0)
		m.log.Error("send.fail", "user_id", sender.UserID, "session_id", sender.SessionID, "recipient_id", p.RecipientID, "err", err)
	}

	m.deliverOutcome(ctx, sender, v1.TypeMessageError, v1.MessageErrorPayload{
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Error:       messaging.UserMessage(err),
	})
}

func (m *SessionManager) deliverOutcome(ctx context.Context, c *Client, typ string, payload any) {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		m.log.Error("envelope.build.fail", "type", typ, "err", err)
		return
	}
	if !c.Deliver(ctx, env) {
		m.log.Info("send.outcome.undelivered", "type", typ, "session_id", c.SessionID)
	}
}

// push is best-effort fan-out to one connection.
func (m *SessionManager) push(c *Client, typ string, payload any) {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		m.log.Error("envelope.build.fail", "type", typ, "err", err)
		return
	}
	if !c.TrySend(env) {
		m.metrics.Dropped(typ)
		m.log.Debug("ws.drop", "type", typ, "session_id", c.SessionID)
	}
}

func (m *SessionManager) broadcastOnlineUsers() {
	env, err := newEnvelope(v1.TypeOnlineUsers, v1.OnlineUsersPayload{UserIDs: m.presence.Snapshot()}, time.Now().UTC())
	if err != nil {
		m.log.Error("envelope.build.fail", "type", v1.TypeOnlineUsers, "err", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conns {
		if !c.TrySend(env) {
			m.metrics.Dropped(v1.TypeOnlineUsers)
		}
	}
}
