// Package ids provides identity ID primitives (ULID) shared by every Courier component.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Valid reports whether s is a well-formed ULID reference.
// Lower-case input is accepted; callers should compare via Canonical.
func Valid(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Canonical returns the upper-case form of a ULID so that ids from different
// sources compare equal byte-for-byte. Invalid input is returned trimmed.
func Canonical(s string) string {
	s = strings.TrimSpace(s)
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return s
	}
	return id.String()
}
