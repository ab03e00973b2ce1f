package realtime

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// ErrStalePresence reports a disconnect for a handle that is no longer the
// user's current presence entry (a newer connection replaced it).
var ErrStalePresence = errors.New("stale presence")

// Presence is the process-wide directory of online users.
//
// Last connection wins: a user with several live connections is represented
// by the most recently registered one. Displaced connections stay open and
// keep their own outbound queue.
type Presence struct {
	mu     sync.RWMutex
	byUser map[string]*Client
}

// NewPresence constructs an empty directory.
func NewPresence() *Presence {
	return &Presence{byUser: make(map[string]*Client)}
}

// Register makes c the user's current handle and returns the handle it displaced, if any.
func (p *Presence) Register(c *Client) (displaced *Client) {
	if c == nil || c.UserID == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.byUser[c.UserID]
	p.byUser[c.UserID] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes the user's entry only if c is still the current handle.
func (p *Presence) Unregister(c *Client) error {
	if c == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.byUser[c.UserID] != c {
		return ErrStalePresence
	}
	delete(p.byUser, c.UserID)
	return nil
}

// Lookup returns the user's current handle.
func (p *Presence) Lookup(userID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.byUser[userID]
	return c, ok
}

// Snapshot returns the online user ids in ascending order.
func (p *Presence) Snapshot() []string {
	p.mu.RLock()
	out := lo.Keys(p.byUser)
	p.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Len returns the number of online users.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
