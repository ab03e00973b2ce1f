package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
)

// Service runs the send pipeline and the read-side queries over a Store.
// It is safe for concurrent use.
type Service struct {
	store Store
	dir   identity.Directory
	log   *slog.Logger

	now   func() time.Time
	newID func(time.Time) (string, error)

	// resolving collapses concurrent in-process resolve-or-create calls per pair.
	// The store uniqueness constraint remains the cross-process guarantee.
	resolving singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func(time.Time) (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService constructs a Service. dir may be nil, in which case profiles carry ids only.
func NewService(store Store, dir identity.Directory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	s := &Service{
		store: store,
		dir:   dir,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: ids.NewULID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// SendResult is the committed outcome of a send.
type SendResult struct {
	Message             Message
	Conversation        Conversation
	CreatedConversation bool
}

// SendMessage validates the request, then resolves-or-creates the conversation,
// persists the message and moves the last-message pointer as one atomic store step.
//
// Errors: ErrInvalidInput for bad input (no state change), ErrPersistence for store failures.
func (s *Service) SendMessage(ctx context.Context, sender string, req SendRequest) (SendResult, error) {
	const op = "messaging.SendMessage"

	req, err := req.normalize(sender)
	if err != nil {
		return SendResult{}, err
	}
	pair, err := NewPair(sender, req.RecipientID)
	if err != nil {
		return SendResult{}, err
	}

	now := s.clock()
	convID, err := s.newID(now)
	if err != nil {
		return SendResult{}, persistErr(op, err)
	}
	msgID, err := s.newID(now)
	if err != nil {
		return SendResult{}, persistErr(op, err)
	}

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		MessageID:      msgID,
		Pair:           pair,
		Sender:         ids.Canonical(sender),
		Recipient:      req.RecipientID,
		Content:        req.Content,
		Now:            now,
	})
	if err != nil {
		if IsInvalidInput(err) {
			return SendResult{}, err
		}
		return SendResult{}, &PersistenceError{Op: op, Err: err}
	}

	return SendResult{
		Message:             res.Message,
		Conversation:        res.Conversation,
		CreatedConversation: res.CreatedConversation,
	}, nil
}

// StartConversation is the explicit start-or-get: it returns the conversation between
// requester and recipientID, creating it (without a message) if needed.
func (s *Service) StartConversation(ctx context.Context, requester, recipientID string) (Conversation, bool, error) {
	const op = "messaging.StartConversation"

	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return Conversation{}, false, invalid(op, "recipient id is required")
	}
	if ids.Canonical(recipientID) == ids.Canonical(requester) {
		return Conversation{}, false, invalid(op, "cannot start a conversation with yourself")
	}
	if !ids.Valid(recipientID) {
		return Conversation{}, false, invalid(op, "invalid recipient id")
	}

	pair, err := NewPair(requester, recipientID)
	if err != nil {
		return Conversation{}, false, err
	}
	return s.ResolveConversation(ctx, pair)
}

// resolveTimeout bounds a shared resolve-or-create flight. The flight outlives
// the caller that started it, so it cannot borrow that caller's deadline.
const resolveTimeout = 10 * time.Second

type resolved struct {
	conv    Conversation
	created bool
	leader  *int
}

// ResolveConversation returns the pair's conversation, creating it if absent.
// A uniqueness conflict means another writer created it first; the winner is re-read.
//
// Concurrent callers for the same pair share one store round trip. Only the
// caller whose flight inserted the row sees created=true, and a canceled caller
// returns early without failing the others.
func (s *Service) ResolveConversation(ctx context.Context, pair Pair) (Conversation, bool, error) {
	const op = "messaging.ResolveConversation"

	caller := new(int)
	ch := s.resolving.DoChan(pair.Key(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		conv, created, err := s.resolve(fctx, op, pair)
		if err != nil {
			return nil, err
		}
		return resolved{conv: conv, created: created, leader: caller}, nil
	})

	select {
	case <-ctx.Done():
		return Conversation{}, false, persistErr(op, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Conversation{}, false, res.Err
		}
		r := res.Val.(resolved)
		return r.conv, r.created && r.leader == caller, nil
	}
}

func (s *Service) resolve(ctx context.Context, op string, pair Pair) (Conversation, bool, error) {
	conv, err := s.store.FindConversationByPair(ctx, pair)
	if err == nil {
		return conv, false, nil
	}
	if !IsNotFound(err) {
		return Conversation{}, false, persistErr(op, err)
	}

	now := s.clock()
	id, err := s.newID(now)
	if err != nil {
		return Conversation{}, false, persistErr(op, err)
	}

	conv, err = s.store.CreateConversation(ctx, CreateConversationInput{ID: id, Pair: pair, Now: now})
	if err == nil {
		return conv, true, nil
	}
	if !IsConflict(err) {
		return Conversation{}, false, persistErr(op, err)
	}

	s.log.Debug("conversation.create.race", "pair_key", pair.Key())
	conv, err = s.store.FindConversationByPair(ctx, pair)
	if err != nil {
		return Conversation{}, false, persistErr(op, err)
	}
	return conv, false, nil
}

func (s *Service) clock() time.Time {
	// timestamptz precision.
	return s.now().UTC().Truncate(time.Microsecond)
}
