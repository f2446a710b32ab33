package server

import (
	"log/slog"
	"time"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Optional;
	// when set it must match the signer's issuer, which is what ends
	// up in the iss claim of every access token.
	Issuer string

	// DefaultAccessTokenTTL applies when EnableGrantType is called
	// with a zero TTL. Default: 1 hour.
	DefaultAccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of issued refresh tokens.
	// Default: 30 days.
	RefreshTokenTTL time.Duration

	// Now is the clock, overridable in tests
	Now func() time.Time
}

// applyDefaults fills in zero-value fields and logs what was
// defaulted.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	c := *config

	if c.DefaultAccessTokenTTL <= 0 {
		c.DefaultAccessTokenTTL = DefaultAccessTokenTTL
		logger.Debug("Using default access token TTL", "ttl", c.DefaultAccessTokenTTL)
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
		logger.Debug("Using default refresh token TTL", "ttl", c.RefreshTokenTTL)
	}

	return &c
}
