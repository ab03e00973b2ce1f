package auth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Mode selects the credential format accepted by the verifier.
type Mode string

const (
	ModeJWT    Mode = "jwt"
	ModePaseto Mode = "paseto"
)

// Config defines the Identity Verifier configuration.
type Config struct {
	Mode Mode

	// JWTSecret is the HS256 secret shared with the account service.
	JWTSecret string
	// JWTUserClaim names the claim carrying the user id ("id" in account-service tokens).
	JWTUserClaim string

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key for v4.public tokens.
	PasetoV4PublicKeyHex string

	// Issuer, when set, must match the token issuer.
	Issuer string

	// ClockSkew is tolerated between issuer and verifier clocks.
	ClockSkew time.Duration
}

// DefaultConfig returns a configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeJWT,
		JWTUserClaim: "id",
		ClockSkew:    30 * time.Second,
	}
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// Keys:
//   - COURIER_AUTH_MODE (jwt|paseto)
//   - COURIER_JWT_SECRET (required for jwt)
//   - COURIER_JWT_USER_CLAIM
//   - COURIER_PASETO_V4_PUBLIC_KEY_HEX (required for paseto)
//   - COURIER_AUTH_ISSUER
//   - COURIER_AUTH_CLOCK_SKEW
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("COURIER_AUTH_MODE"))); v != "" {
		cfg.Mode = Mode(v)
	}
	cfg.JWTSecret = os.Getenv("COURIER_JWT_SECRET")
	if v := strings.TrimSpace(os.Getenv("COURIER_JWT_USER_CLAIM")); v != "" {
		cfg.JWTUserClaim = v
	}
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("COURIER_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.Issuer = strings.TrimSpace(os.Getenv("COURIER_AUTH_ISSUER"))

	if v := strings.TrimSpace(os.Getenv("COURIER_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%w: COURIER_AUTH_CLOCK_SKEW", ErrConfig)
		}
		cfg.ClockSkew = d
	}

	return cfg, cfg.Validate()
}

// Validate checks that the selected mode has its key material.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("%w: COURIER_JWT_SECRET is required in jwt mode", ErrConfig)
		}
	case ModePaseto:
		if c.PasetoV4PublicKeyHex == "" {
			return fmt.Errorf("%w: COURIER_PASETO_V4_PUBLIC_KEY_HEX is required in paseto mode", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfig, c.Mode)
	}
	return nil
}

// NewVerifier builds the Verifier selected by cfg.
func NewVerifier(cfg Config) (Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModePaseto:
		return NewPasetoV4Verifier(cfg.PasetoV4PublicKeyHex, cfg.Issuer, cfg.ClockSkew)
	default:
		return NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTUserClaim, cfg.Issuer, cfg.ClockSkew)
	}
}
