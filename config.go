package oauth

import (
	"log/slog"
	"time"
)

// Config holds the HTTP handler configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Used to
	// build the authorization server metadata document.
	Issuer string

	// SupportedScopes is advertised in the metadata document. If
	// empty, scopes_supported is omitted.
	SupportedScopes []string

	// RateLimit configures per-IP rate limiting on all endpoints.
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP
	// headers. Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of
	// this server. Used with TrustProxy to pick the right entry from
	// X-Forwarded-For. Default: 1.
	TrustedProxyCount int

	// EnableAuditLogging enables security audit logging. Auth events
	// and token operations are logged with sensitive data hashed.
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not
	// provided).
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = 1
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.Rate
	}
}

// metadataCacheMaxAge bounds how long clients may cache the metadata
// document.
const metadataCacheMaxAge = time.Hour
