package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/cmd/identity/ids"
)

// maxTokenBytes bounds credential size before any parsing happens.
const maxTokenBytes = 8 << 10

// Principal is the authenticated identity propagated across HTTP/WS.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Verifier validates a credential and yields the user it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string, now time.Time) (Principal, error)
}

// Authenticate runs v against token and normalizes every outcome into the
// ErrMissingToken / ErrInvalidToken contract.
func Authenticate(ctx context.Context, v Verifier, token string, now time.Time) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	if v == nil {
		return Principal{}, fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}
	if len(token) > maxTokenBytes {
		return Principal{}, ErrInvalidToken
	}

	p, err := v.Verify(ctx, token, now)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return Principal{}, err
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !ids.Valid(p.UserID) {
		return Principal{}, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	p.UserID = ids.Canonical(p.UserID)
	return p, nil
}
