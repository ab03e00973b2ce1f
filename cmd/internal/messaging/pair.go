package messaging

import "courier/cmd/identity/ids"

// Pair is the canonical form of a two-user participant set: Low < High.
type Pair struct {
	Low  string
	High string
}

// NewPair canonicalizes {a, b}. Both must be well-formed user ids and distinct.
func NewPair(a, b string) (Pair, error) {
	a, b = ids.Canonical(a), ids.Canonical(b)
	if !ids.Valid(a) || !ids.Valid(b) {
		return Pair{}, invalid("messaging.NewPair", "invalid participant id")
	}
	if a == b {
		return Pair{}, invalid("messaging.NewPair", "participants must be distinct")
	}
	if b < a {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Key is the uniqueness key for the pair. ULIDs never contain ':'.
func (p Pair) Key() string { return p.Low + ":" + p.High }

// Has reports whether userID is one of the two participants.
func (p Pair) Has(userID string) bool {
	userID = ids.Canonical(userID)
	return userID == p.Low || userID == p.High
}

// Other returns the participant that is not userID, or "" if userID is not a participant.
func (p Pair) Other(userID string) string {
	switch ids.Canonical(userID) {
	case p.Low:
		return p.High
	case p.High:
		return p.Low
	default:
		return ""
	}
}

// Members returns both participants in canonical order.
func (p Pair) Members() [2]string { return [2]string{p.Low, p.High} }
