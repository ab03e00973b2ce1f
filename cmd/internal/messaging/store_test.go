package messaging

import (
	"context"
	"sync"
	"testing"
	"time"
)

// runStoreContract exercises the Store requirements against any implementation.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create_conflict_per_pair", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		a, b := mustNewID(t), mustNewID(t)
		pair, _ := NewPair(a, b)
		now := time.Now().UTC().Truncate(time.Microsecond)

		c, err := st.CreateConversation(ctx, CreateConversationInput{ID: mustNewID(t), Pair: pair, Now: now})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		reversed, _ := NewPair(b, a)
		_, err = st.CreateConversation(ctx, CreateConversationInput{ID: mustNewID(t), Pair: reversed, Now: now})
		if !IsConflict(err) {
			t.Fatalf("expected ErrConflict for reversed pair, got %v", err)
		}

		got, err := st.FindConversationByPair(ctx, reversed)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.ID != c.ID || got.LastMessageID != "" {
			t.Fatalf("unexpected conversation: %+v", got)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		pair, _ := NewPair(mustNewID(t), mustNewID(t))

		if _, err := st.FindConversationByPair(ctx, pair); !IsNotFound(err) {
			t.Fatalf("expected ErrNotFound from FindConversationByPair, got %v", err)
		}
		if _, err := st.GetConversation(ctx, mustNewID(t)); !IsNotFound(err) {
			t.Fatalf("expected ErrNotFound from GetConversation, got %v", err)
		}
		msgs, err := st.ListMessages(ctx, mustNewID(t))
		if err != nil || len(msgs) != 0 {
			t.Fatalf("expected empty history, got %v %v", msgs, err)
		}
	})

	t.Run("append_creates_then_reuses", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		a, b := mustNewID(t), mustNewID(t)
		pair, _ := NewPair(a, b)
		t0 := time.Now().UTC().Truncate(time.Microsecond)

		first, err := st.AppendMessage(ctx, AppendMessageInput{
			ConversationID: mustNewID(t), MessageID: mustNewID(t), Pair: pair,
			Sender: a, Recipient: b, Content: "hi", Now: t0,
		})
		if err != nil {
			t.Fatalf("append first: %v", err)
		}
		if !first.CreatedConversation {
			t.Fatalf("expected first append to create the conversation")
		}
		if first.Conversation.LastMessageID != first.Message.ID {
			t.Fatalf("pointer not updated: %+v", first.Conversation)
		}
		if first.Message.IsRead {
			t.Fatalf("new message must be unread")
		}

		t1 := t0.Add(time.Second)
		second, err := st.AppendMessage(ctx, AppendMessageInput{
			ConversationID: mustNewID(t), MessageID: mustNewID(t), Pair: pair,
			Sender: b, Recipient: a, Content: "hello back", Now: t1,
		})
		if err != nil {
			t.Fatalf("append second: %v", err)
		}
		if second.CreatedConversation || second.Conversation.ID != first.Conversation.ID {
			t.Fatalf("expected reuse of %s, got %+v", first.Conversation.ID, second)
		}

		conv, err := st.GetConversation(ctx, first.Conversation.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if conv.LastMessageID != second.Message.ID || !conv.UpdatedAt.Equal(t1) || !conv.CreatedAt.Equal(t0) {
			t.Fatalf("unexpected conversation after second append: %+v", conv)
		}

		msgs, err := st.ListMessages(ctx, conv.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello back" {
			t.Fatalf("unexpected history: %+v", msgs)
		}
		if msgs[0].Sender != a || msgs[0].Recipient != b || msgs[0].ConversationID != conv.ID {
			t.Fatalf("unexpected first message: %+v", msgs[0])
		}

		got, err := st.GetMessages(ctx, []string{second.Message.ID, mustNewID(t)})
		if err != nil {
			t.Fatalf("get messages: %v", err)
		}
		if len(got) != 1 || got[second.Message.ID].Content != "hello back" {
			t.Fatalf("unexpected GetMessages result: %+v", got)
		}
	})

	t.Run("append_rejects_mismatched_pair", func(t *testing.T) {
		st := newStore(t)
		a, b, c := mustNewID(t), mustNewID(t), mustNewID(t)
		pair, _ := NewPair(a, b)
		_, err := st.AppendMessage(context.Background(), AppendMessageInput{
			ConversationID: mustNewID(t), MessageID: mustNewID(t), Pair: pair,
			Sender: a, Recipient: c, Content: "x",
		})
		if !IsInvalidInput(err) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("list_for_user_orders_by_activity", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		me, x, y := mustNewID(t), mustNewID(t), mustNewID(t)
		base := time.Now().UTC().Truncate(time.Microsecond)

		px, _ := NewPair(me, x)
		py, _ := NewPair(me, y)

		cx, err := st.CreateConversation(ctx, CreateConversationInput{ID: mustNewID(t), Pair: px, Now: base})
		if err != nil {
			t.Fatalf("create x: %v", err)
		}
		cy, err := st.CreateConversation(ctx, CreateConversationInput{ID: mustNewID(t), Pair: py, Now: base.Add(time.Second)})
		if err != nil {
			t.Fatalf("create y: %v", err)
		}

		// Activity on x moves it to the top.
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			ConversationID: mustNewID(t), MessageID: mustNewID(t), Pair: px,
			Sender: x, Recipient: me, Content: "ping", Now: base.Add(2 * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}

		convs, err := st.ListConversationsForUser(ctx, me)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(convs) != 2 || convs[0].ID != cx.ID || convs[1].ID != cy.ID {
			t.Fatalf("unexpected order: %+v", convs)
		}

		convs, err = st.ListConversationsForUser(ctx, y)
		if err != nil {
			t.Fatalf("list y: %v", err)
		}
		if len(convs) != 1 || convs[0].ID != cy.ID {
			t.Fatalf("unexpected conversations for y: %+v", convs)
		}
	})

	t.Run("concurrent_first_messages_single_conversation", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		a, b := mustNewID(t), mustNewID(t)

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			convIDs = map[string]struct{}{}
			created int
		)
		inputs := make([]AppendMessageInput, workers)
		for i := range inputs {
			sender, recipient := a, b
			if i%2 == 1 {
				sender, recipient = b, a
			}
			pair, _ := NewPair(sender, recipient)
			inputs[i] = AppendMessageInput{
				ConversationID: mustNewID(t), MessageID: mustNewID(t), Pair: pair,
				Sender: sender, Recipient: recipient, Content: "race",
			}
		}

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(in AppendMessageInput) {
				defer wg.Done()
				res, err := st.AppendMessage(ctx, in)
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				convIDs[res.Conversation.ID] = struct{}{}
				if res.CreatedConversation {
					created++
				}
				mu.Unlock()
			}(inputs[i])
		}
		wg.Wait()

		if len(convIDs) != 1 || created != 1 {
			t.Fatalf("expected exactly one conversation, got ids=%v created=%d", convIDs, created)
		}

		convs, err := st.ListConversationsForUser(ctx, a)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(convs) != 1 {
			t.Fatalf("expected one conversation for a, got %d", len(convs))
		}
		msgs, err := st.ListMessages(ctx, convs[0].ID)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if len(msgs) != workers {
			t.Fatalf("expected %d messages, got %d", workers, len(msgs))
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}
