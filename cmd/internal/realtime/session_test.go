package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
	"courier/cmd/internal/messaging"
	v1 "courier/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustNewUserID(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	return id
}

func newTestManager(t *testing.T, store messaging.Store) (*SessionManager, *messaging.Service) {
	t.Helper()
	if store == nil {
		store = messaging.NewMemoryStore()
	}
	svc, err := messaging.NewService(store, identity.NewMemoryDirectory(), messaging.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewSessionManager(discardLogger(), svc, NewPresence(), nil), svc
}

func connectClient(t *testing.T, m *SessionManager, userID string) *Client {
	t.Helper()
	c := NewClient(userID, mustNewUserID(t), 64)
	m.Connect(c)
	return c
}

// next pops the next queued envelope or fails after a short wait.
func next(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope queued for %s", c.UserID)
		return v1.Envelope{}
	}
}

// nextOfType skips envelopes (typically online_users) until typ arrives.
func nextOfType(t *testing.T, c *Client, typ string) v1.Envelope {
	t.Helper()
	for i := 0; i < 16; i++ {
		if env := next(t, c); env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive %q", typ)
	return v1.Envelope{}
}

// drain discards queued envelopes and returns their types.
func drain(c *Client) []string {
	var types []string
	for {
		select {
		case env := <-c.Send:
			types = append(types, env.Type)
		default:
			return types
		}
	}
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestSessionManager_ConnectBroadcastsPresence(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a, b := mustNewUserID(t), mustNewUserID(t)

	ca := connectClient(t, m, a)
	first := decode[v1.OnlineUsersPayload](t, nextOfType(t, ca, v1.TypeOnlineUsers))
	if len(first.UserIDs) != 1 || first.UserIDs[0] != a {
		t.Fatalf("expected [a], got %v", first.UserIDs)
	}

	cb := connectClient(t, m, b)
	for _, c := range []*Client{ca, cb} {
		got := decode[v1.OnlineUsersPayload](t, nextOfType(t, c, v1.TypeOnlineUsers))
		if len(got.UserIDs) != 2 {
			t.Fatalf("expected both users online, got %v", got.UserIDs)
		}
	}

	m.Disconnect(cb)
	got := decode[v1.OnlineUsersPayload](t, nextOfType(t, ca, v1.TypeOnlineUsers))
	if len(got.UserIDs) != 1 || got.UserIDs[0] != a {
		t.Fatalf("expected [a] after b left, got %v", got.UserIDs)
	}

	// Idempotent.
	m.Disconnect(cb)
	if m.Connections() != 1 {
		t.Fatalf("expected 1 live connection, got %d", m.Connections())
	}
}

func TestSessionManager_ReconnectBeforeStaleDisconnect(t *testing.T) {
	m, _ := newTestManager(t, nil)
	u := mustNewUserID(t)

	old := connectClient(t, m, u)
	fresh := connectClient(t, m, u)
	drain(fresh)

	m.Disconnect(old)

	if c, ok := m.Presence().Lookup(u); !ok || c != fresh {
		t.Fatalf("stale disconnect evicted the newer connection")
	}
	if types := drain(fresh); len(types) != 0 {
		t.Fatalf("stale disconnect must not broadcast, got %v", types)
	}
}

func TestSessionManager_SendOfflineRecipient(t *testing.T) {
	m, svc := newTestManager(t, nil)
	a, b := mustNewUserID(t), mustNewUserID(t)
	ca := connectClient(t, m, a)
	drain(ca)

	m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: b, Content: "hi"})

	env := next(t, ca)
	if env.Type != v1.TypeMessageSentConfirmation {
		t.Fatalf("expected confirmation, got %s", env.Type)
	}
	msg := decode[v1.MessagePayload](t, env)
	if msg.Content != "hi" || msg.Sender != a || msg.Recipient != b || msg.IsRead {
		t.Fatalf("unexpected confirmation payload: %+v", msg)
	}
	if rest := drain(ca); len(rest) != 0 {
		t.Fatalf("expected exactly one outcome, extra: %v", rest)
	}

	// B comes online later and finds the conversation.
	inbox, err := svc.Inbox(context.Background(), b)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].LastMessage == nil || inbox[0].LastMessage.Content != "hi" {
		t.Fatalf("unexpected inbox for b: %+v", inbox)
	}
}

func TestSessionManager_SendOnlineRecipient(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a, b := mustNewUserID(t), mustNewUserID(t)
	ca := connectClient(t, m, a)
	cb := connectClient(t, m, b)
	drain(ca)
	drain(cb)

	m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: b, Content: "first"})
	first := decode[v1.MessagePayload](t, nextOfType(t, ca, v1.TypeMessageSentConfirmation))
	drain(cb)

	m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: b, Content: "second"})
	conf := decode[v1.MessagePayload](t, nextOfType(t, ca, v1.TypeMessageSentConfirmation))

	nm := decode[v1.MessagePayload](t, next(t, cb))
	if nm.ID != conf.ID || nm.Content != "second" {
		t.Fatalf("unexpected new_message: %+v", nm)
	}
	upd := next(t, cb)
	if upd.Type != v1.TypeInboxUpdate {
		t.Fatalf("expected inbox_update, got %s", upd.Type)
	}
	ip := decode[v1.InboxUpdatePayload](t, upd)
	if ip.ConversationID != first.ConversationID || ip.LastMessage.ID != conf.ID {
		t.Fatalf("unexpected inbox_update: %+v", ip)
	}
}

func TestSessionManager_ValidationError(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a := mustNewUserID(t)
	ca := connectClient(t, m, a)
	drain(ca)

	m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: a, Content: "me"})

	env := next(t, ca)
	if env.Type != v1.TypeMessageError {
		t.Fatalf("expected message_error, got %s", env.Type)
	}
	p := decode[v1.MessageErrorPayload](t, env)
	if p.RecipientID != a || p.Content != "me" || p.Error != "cannot send a message to yourself" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
	if rest := drain(ca); len(rest) != 0 {
		t.Fatalf("expected exactly one outcome, extra: %v", rest)
	}
}

func TestSessionManager_RejectSendEchoesRecoverableFields(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a := mustNewUserID(t)
	ca := connectClient(t, m, a)
	drain(ca)

	cases := []struct {
		name          string
		raw           string
		wantRecipient string
		wantContent   string
	}{
		{name: "content wrong type", raw: `{"recipientId":"R1","content":42}`, wantRecipient: "R1"},
		{name: "recipient wrong type", raw: `{"recipientId":7,"content":"hi there"}`, wantContent: "hi there"},
		{name: "not an object", raw: `"nope"`},
		{name: "empty", raw: ``},
	}

	for _, tc := range cases {
		m.RejectSend(context.Background(), ca, json.RawMessage(tc.raw), "invalid payload")

		env := next(t, ca)
		if env.Type != v1.TypeMessageError {
			t.Fatalf("%s: expected message_error, got %s", tc.name, env.Type)
		}
		p := decode[v1.MessageErrorPayload](t, env)
		if p.RecipientID != tc.wantRecipient || p.Content != tc.wantContent || p.Error != "invalid payload" {
			t.Fatalf("%s: unexpected error payload: %+v", tc.name, p)
		}
		if rest := drain(ca); len(rest) != 0 {
			t.Fatalf("%s: expected exactly one outcome, extra: %v", tc.name, rest)
		}
	}
}

type brokenStore struct {
	*messaging.MemoryStore
}

func (brokenStore) AppendMessage(context.Context, messaging.AppendMessageInput) (messaging.AppendMessageResult, error) {
	return messaging.AppendMessageResult{}, errors.New("disk full")
}

func TestSessionManager_PersistenceFailure(t *testing.T) {
	store := brokenStore{MemoryStore: messaging.NewMemoryStore()}
	m, _ := newTestManager(t, store)
	a, b := mustNewUserID(t), mustNewUserID(t)
	ca := connectClient(t, m, a)
	cb := connectClient(t, m, b)
	drain(ca)
	drain(cb)

	m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: b, Content: "lost"})

	env := next(t, ca)
	if env.Type != v1.TypeMessageError {
		t.Fatalf("expected message_error, got %s", env.Type)
	}
	p := decode[v1.MessageErrorPayload](t, env)
	if p.RecipientID != b || p.Content != "lost" || p.Error != "failed to send message" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
	if rest := drain(cb); len(rest) != 0 {
		t.Fatalf("recipient must not see a failed message, got %v", rest)
	}

	convs, _ := store.ListConversationsForUser(context.Background(), a)
	if len(convs) != 0 {
		t.Fatalf("failed send left %d conversations", len(convs))
	}
}

func TestSessionManager_PerSenderOrdering(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a, b := mustNewUserID(t), mustNewUserID(t)
	ca := NewClient(a, mustNewUserID(t), 256)
	m.Connect(ca)
	drain(ca)

	const n = 20
	contents := make([]string, n)
	for i := range contents {
		contents[i] = string(rune('a' + i))
	}

	// A single reader goroutine per connection, as the gateway does.
	go func() {
		for _, c := range contents {
			m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: b, Content: c})
		}
	}()

	for i := 0; i < n; i++ {
		got := decode[v1.MessagePayload](t, nextOfType(t, ca, v1.TypeMessageSentConfirmation))
		if got.Content != contents[i] {
			t.Fatalf("confirmation %d out of order: got %q want %q", i, got.Content, contents[i])
		}
	}
}

func TestSessionManager_ConcurrentFirstMessagesOneConversation(t *testing.T) {
	m, svc := newTestManager(t, nil)
	a, b := mustNewUserID(t), mustNewUserID(t)
	ca := NewClient(a, mustNewUserID(t), 256)
	cb := NewClient(b, mustNewUserID(t), 256)
	m.Connect(ca)
	m.Connect(cb)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.HandleSend(context.Background(), ca, v1.SendMessagePayload{RecipientID: b, Content: "from a"})
		}()
		go func() {
			defer wg.Done()
			m.HandleSend(context.Background(), cb, v1.SendMessagePayload{RecipientID: a, Content: "from b"})
		}()
	}
	wg.Wait()

	for _, u := range []string{a, b} {
		inbox, err := svc.Inbox(context.Background(), u)
		if err != nil {
			t.Fatalf("Inbox: %v", err)
		}
		if len(inbox) != 1 {
			t.Fatalf("expected one conversation for %s, got %d", u, len(inbox))
		}
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ca := connectClient(t, m, mustNewUserID(t))
	cb := connectClient(t, m, mustNewUserID(t))

	m.CloseAll()

	for _, c := range []*Client{ca, cb} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("client %s not closed", c.SessionID)
		}
	}
}
