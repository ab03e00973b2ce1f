package identity

import (
	"context"
	"strings"
	"sync"

	"courier/cmd/identity/ids"
)

// Profile is the public slice of a user shown to other participants.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Directory resolves public profile fields for user ids.
//
// Unknown ids are simply absent from the returned map; callers decide how to
// degrade (Courier renders an id-only profile).
type Directory interface {
	LookupProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// MemoryDirectory is an in-process Directory used in dev mode and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryDirectory constructs a MemoryDirectory seeded with profiles.
func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

// Put inserts or replaces a profile. Profiles with an empty id are ignored.
func (d *MemoryDirectory) Put(p Profile) {
	p.ID = ids.Canonical(p.ID)
	if p.ID == "" {
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)

	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

// LookupProfiles returns the known profiles among userIDs.
func (d *MemoryDirectory) LookupProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Profile, len(userIDs))

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range userIDs {
		if p, ok := d.profiles[ids.Canonical(id)]; ok {
			out[p.ID] = p
		}
	}
	return out, nil
}
