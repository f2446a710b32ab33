// Package security provides audit logging, per-identifier rate
// limiting, and client IP extraction for the authorization server.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	EventTokenIssued       = "token_issued"
	EventTokenRevoked      = "token_revoked"
	EventGrantFailure      = "grant_failure"
	EventAuthCodeIssued    = "authorization_code_issued"
	EventCodeReuseDetected = "authorization_code_reuse_detected"
	EventRateLimitExceeded = "rate_limit_exceeded"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful token issuance.
func (a *Auditor) LogTokenIssued(ctx context.Context, grantType, clientID string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenIssued,
		ClientID: clientID,
		Details:  map[string]any{"grant_type": grantType},
	})
}

// LogGrantFailure logs a failed grant execution.
func (a *Auditor) LogGrantFailure(ctx context.Context, grantType, clientID, errorCode string) {
	a.LogEvent(ctx, Event{
		Type:     EventGrantFailure,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"error":      errorCode,
		},
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(ctx context.Context, tokenType, clientID string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenRevoked,
		ClientID: clientID,
		Details:  map[string]any{"token_type": tokenType},
	})
}

// LogAuthCodeIssued logs an authorization code issuance.
func (a *Auditor) LogAuthCodeIssued(ctx context.Context, clientID, userID string) {
	a.LogEvent(ctx, Event{
		Type:     EventAuthCodeIssued,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data so
// events remain correlatable without exposing the value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
