package messaging

import (
	"strings"
	"testing"
	"time"

	"courier/cmd/identity/ids"
)

func mustNewID(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	return id
}

func TestNewPair_OrderInsensitive(t *testing.T) {
	t.Parallel()

	a, b := mustNewID(t), mustNewID(t)

	p1, err := NewPair(a, b)
	if err != nil {
		t.Fatalf("NewPair(a,b): %v", err)
	}
	p2, err := NewPair(b, strings.ToLower(a))
	if err != nil {
		t.Fatalf("NewPair(b,a): %v", err)
	}
	if p1 != p2 || p1.Key() != p2.Key() {
		t.Fatalf("expected identical pairs, got %+v vs %+v", p1, p2)
	}
	if p1.Low >= p1.High {
		t.Fatalf("expected Low < High, got %+v", p1)
	}
	if !p1.Has(a) || !p1.Has(b) {
		t.Fatalf("pair must contain both participants")
	}
	if p1.Other(a) != b || p1.Other(b) != a {
		t.Fatalf("Other mismatch")
	}
	if p1.Other(mustNewID(t)) != "" {
		t.Fatalf("Other of outsider must be empty")
	}
}

func TestNewPair_Rejects(t *testing.T) {
	t.Parallel()

	a := mustNewID(t)
	cases := []struct {
		name string
		x, y string
	}{
		{"self", a, a},
		{"self_case", a, strings.ToLower(a)},
		{"empty", a, ""},
		{"malformed", a, "not-a-user"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewPair(tc.x, tc.y); !IsInvalidInput(err) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
