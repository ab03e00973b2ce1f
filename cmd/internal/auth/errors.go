package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingToken is returned when no credential was presented ("authentication required").
	ErrMissingToken = errors.New("authentication required")

	// ErrInvalidToken is returned when a credential fails verification ("authentication invalid").
	// Any verifier failure, including transport errors, is reported as ErrInvalidToken.
	ErrInvalidToken = errors.New("authentication invalid")

	// ErrExpiredToken is a refinement of ErrInvalidToken for expired credentials.
	ErrExpiredToken = fmt.Errorf("%w: token expired", ErrInvalidToken)

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)

// IsAuthError reports whether err is one of the authentication failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) || errors.Is(err, ErrInvalidToken)
}
