package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewULID_IsValid(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
	}
	if !Valid(id) {
		t.Fatalf("Valid(%q)=false", id)
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	good, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	cases := []struct {
		in   string
		want bool
	}{
		{in: good, want: true},
		{in: strings.ToLower(good), want: true},
		{in: "  " + good + " ", want: true},
		{in: "", want: false},
		{in: "not-an-id", want: false},
		{in: "6743cf28f83baf8a434e89c4", want: false},
		{in: strings.Repeat("Z", 26), want: false},
		{in: good[:25] + "U", want: false},
	}

	for _, tc := range cases {
		if got := Valid(tc.in); got != tc.want {
			t.Fatalf("Valid(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if got := Canonical(strings.ToLower(id)); got != id {
		t.Fatalf("Canonical(lower)=%q want %q", got, id)
	}
	if got := Canonical(" junk "); got != "junk" {
		t.Fatalf("Canonical(junk)=%q", got)
	}
}
