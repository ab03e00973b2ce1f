package realtime

import (
	"context"
	"sync"
	"time"

	v1 "courier/shared/contracts/realtime/v1"
)

// Client is one authenticated persistent connection: the "connection handle"
// stored in the presence directory.
//
// Design notes:
// - Send is never closed by the server so concurrent fan-out cannot panic.
// - done signals the connection goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded outbound queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep fan-out safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues env without blocking. It returns false when the queue is
// full or the client is shutting down.
func (c *Client) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Deliver enqueues env, waiting for queue space until ctx ends or the client closes.
// Used for the sender's own terminal outcomes, which must not be dropped.
func (c *Client) Deliver(ctx context.Context, env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	}
}
