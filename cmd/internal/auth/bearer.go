package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the bearer credential from a handshake or API request.
//
// The Authorization header is preferred. Browsers cannot set headers on a
// WebSocket handshake, so the access_token query parameter is accepted as well.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if tok := BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if r.URL != nil {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

// BearerToken parses an "Authorization: Bearer <token>" header value.
func BearerToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
