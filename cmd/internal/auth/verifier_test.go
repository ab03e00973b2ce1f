package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type failingVerifier struct{ err error }

func (f failingVerifier) Verify(context.Context, string, time.Time) (Principal, error) {
	return Principal{}, f.err
}

func TestAuthenticate_MissingToken(t *testing.T) {
	for _, tok := range []string{"", "   "} {
		if _, err := Authenticate(context.Background(), mustNewJWTVerifier(t), tok, time.Now()); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("expected ErrMissingToken for %q, got %v", tok, err)
		}
	}
}

func TestAuthenticate_VerifierFailureIsInvalid(t *testing.T) {
	v := failingVerifier{err: errors.New("identity service unavailable")}
	_, err := Authenticate(context.Background(), v, "token", time.Now())
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthenticate_OversizedToken(t *testing.T) {
	tok := strings.Repeat("a", maxTokenBytes+1)
	if _, err := Authenticate(context.Background(), mustNewJWTVerifier(t), tok, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc", "", "abc"},
		{"header_case_insensitive", "bearer   abc ", "", "abc"},
		{"header_wins", "Bearer abc", "?access_token=xyz", "abc"},
		{"query", "", "?access_token=xyz", "xyz"},
		{"wrong_scheme", "Basic abc", "", ""},
		{"bare_scheme", "Bearer", "", ""},
		{"none", "", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/ws"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := TokenFromRequest(r); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}
