package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256-signed JWTs and reads the user id from a configurable claim.
type JWTVerifier struct {
	secret    []byte
	userClaim string
	issuer    string
	leeway    time.Duration
}

// NewJWTVerifier builds a JWTVerifier. userClaim defaults to "id"; "sub" is used as a fallback.
func NewJWTVerifier(secret []byte, userClaim, issuer string, leeway time.Duration) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty jwt secret", ErrConfig)
	}
	userClaim = strings.TrimSpace(userClaim)
	if userClaim == "" {
		userClaim = "id"
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTVerifier{
		secret:    append([]byte(nil), secret...),
		userClaim: userClaim,
		issuer:    strings.TrimSpace(issuer),
		leeway:    leeway,
	}, nil
}

// Verify validates signature, algorithm, expiry and issuer, then extracts the user id.
func (v *JWTVerifier) Verify(ctx context.Context, token string, now time.Time) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	uid := stringClaim(claims, v.userClaim)
	if uid == "" {
		uid = stringClaim(claims, "sub")
	}
	if uid == "" {
		return Principal{}, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.userClaim)
	}

	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}

	return Principal{UserID: uid, ExpiresAt: exp}, nil
}

// Issue signs a token for userID. Used by dev tooling and tests; production
// tokens come from the account service.
func (v *JWTVerifier) Issue(userID string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		v.userClaim: userID,
		"sub":       userID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}
