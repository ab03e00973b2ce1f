package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestPresence_RegisterLookupSnapshot(t *testing.T) {
	t.Parallel()

	p := NewPresence()
	b := NewClient("B", "s-b", 1)
	a := NewClient("A", "s-a", 1)

	if d := p.Register(b); d != nil {
		t.Fatalf("unexpected displaced handle: %v", d)
	}
	p.Register(a)

	got := p.Snapshot()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("expected sorted snapshot [A B], got %v", got)
	}
	if c, ok := p.Lookup("A"); !ok || c != a {
		t.Fatalf("lookup A mismatch")
	}
	if _, ok := p.Lookup("C"); ok {
		t.Fatalf("unexpected handle for C")
	}
}

func TestPresence_LastConnectionWins(t *testing.T) {
	t.Parallel()

	p := NewPresence()
	first := NewClient("U", "s-1", 1)
	second := NewClient("U", "s-2", 1)

	p.Register(first)
	if d := p.Register(second); d != first {
		t.Fatalf("expected first handle to be displaced")
	}

	// The displaced connection's disconnect arrives late.
	if err := p.Unregister(first); !errors.Is(err, ErrStalePresence) {
		t.Fatalf("expected ErrStalePresence, got %v", err)
	}
	if c, ok := p.Lookup("U"); !ok || c != second {
		t.Fatalf("stale disconnect removed the newer connection")
	}

	if err := p.Unregister(second); err != nil {
		t.Fatalf("Unregister current: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty directory, got %d", p.Len())
	}
}

func TestPresence_ConcurrentMutations(t *testing.T) {
	t.Parallel()

	p := NewPresence()
	const users = 50

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := fmt.Sprintf("user-%02d", i)
			old := NewClient(uid, uid+"-old", 1)
			cur := NewClient(uid, uid+"-cur", 1)

			p.Register(old)
			_ = p.Snapshot()
			p.Register(cur)
			_ = p.Unregister(old) // stale, must be a no-op
		}(i)
	}
	wg.Wait()

	if p.Len() != users {
		t.Fatalf("expected %d online users, got %d", users, p.Len())
	}
	for _, uid := range p.Snapshot() {
		c, _ := p.Lookup(uid)
		if c.SessionID != uid+"-cur" {
			t.Fatalf("user %s resolved to %s", uid, c.SessionID)
		}
	}
}
