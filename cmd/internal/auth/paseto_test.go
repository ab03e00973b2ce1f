package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func signPaseto(t *testing.T, secret paseto.V4AsymmetricSecretKey, uid, issuer string, iat time.Time, ttl time.Duration) string {
	t.Helper()
	tok := paseto.NewToken()
	tok.SetIssuedAt(iat)
	tok.SetNotBefore(iat)
	tok.SetExpiration(iat.Add(ttl))
	if issuer != "" {
		tok.SetIssuer(issuer)
	}
	if uid != "" {
		tok.SetString("uid", uid)
	}
	return tok.V4Sign(secret, nil)
}

func TestPasetoV4_Verify(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoV4Verifier(secret.Public().ExportHex(), "accounts", 30*time.Second)
	if err != nil {
		t.Fatalf("NewPasetoV4Verifier: %v", err)
	}

	now := time.Now().UTC()
	uid := mustNewUserID(t)
	tok := signPaseto(t, secret, uid, "accounts", now, 15*time.Minute)

	p, err := Authenticate(context.Background(), v, tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != uid {
		t.Fatalf("user mismatch: got %q want %q", p.UserID, uid)
	}
}

func TestPasetoV4_Rejections(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	other := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoV4Verifier(secret.Public().ExportHex(), "accounts", 0)
	if err != nil {
		t.Fatalf("NewPasetoV4Verifier: %v", err)
	}

	now := time.Now().UTC()
	uid := mustNewUserID(t)

	cases := []struct {
		name string
		tok  string
	}{
		{"wrong_key", signPaseto(t, other, uid, "accounts", now, time.Hour)},
		{"wrong_issuer", signPaseto(t, secret, uid, "someone-else", now, time.Hour)},
		{"expired", signPaseto(t, secret, uid, "accounts", now.Add(-2*time.Hour), time.Hour)},
		{"missing_uid", signPaseto(t, secret, "", "accounts", now, time.Hour)},
		{"garbage", "v4.public.not-a-token"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Authenticate(context.Background(), v, tc.tok, now); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewPasetoV4Verifier_BadKey(t *testing.T) {
	if _, err := NewPasetoV4Verifier("zz", "", 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
