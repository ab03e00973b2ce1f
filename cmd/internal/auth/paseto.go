package auth

import (
	"context"
	"fmt"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoV4Verifier validates PASETO v4.public tokens carrying a "uid" claim.
type PasetoV4Verifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Verifier builds a verifier from a hex-encoded Ed25519 public key.
func NewPasetoV4Verifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoV4Verifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: paseto public key: %v", ErrConfig, err)
	}
	return &PasetoV4Verifier{issuer: issuer, clockSkew: clockSkew, public: public}, nil
}

// Verify checks signature, issuer and validity window.
func (m *PasetoV4Verifier) Verify(ctx context.Context, token string, now time.Time) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	// Validate slightly in the future to tolerate "nbf" skew between issuer and us.
	validNow := now.Add(m.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	if m.issuer != "" {
		p.AddRule(paseto.IssuedBy(m.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Principal{}, ErrInvalidToken
	}
	exp, _ := parsed.GetExpiration()

	return Principal{UserID: uid, ExpiresAt: exp}, nil
}
