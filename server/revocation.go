package server

import (
	"context"
	"encoding/json"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/authkit/oauth2-server/instrumentation"
	"github.com/authkit/oauth2-server/oautherr"
)

// RevocationRequest is a parsed RFC 7009 revocation request.
type RevocationRequest struct {
	// Token is the token to revoke, either an opaque refresh token or
	// a signed access token
	Token string

	// TokenTypeHint is "access_token" or "refresh_token", advisory
	// only
	TokenTypeHint string

	// ClientID and ClientSecret authenticate the revoking client
	ClientID     string
	ClientSecret string
}

// revocationPayload mirrors the refresh token plaintext fields needed
// for revocation.
type revocationPayload struct {
	ClientID       string `json:"client_id"`
	RefreshTokenID string `json:"refresh_token_id"`
	AccessTokenID  string `json:"access_token_id"`
}

// RevokeToken revokes an access or refresh token per RFC 7009. The
// client must authenticate; a token that is invalid, already revoked,
// or bound to another client is silently ignored so revocation cannot
// be used as an oracle.
func (s *AuthorizationServer) RevokeToken(ctx context.Context, req *RevocationRequest) error {
	if req.ClientID == "" {
		return oautherr.InvalidRequest("client_id")
	}
	if !s.repos.Clients.ValidateClient(ctx, req.ClientID, req.ClientSecret, "") {
		return oautherr.InvalidClient()
	}
	if req.Token == "" {
		return oautherr.InvalidRequest("token")
	}

	// The hint orders the attempts but never excludes one.
	if req.TokenTypeHint == "access_token" {
		if s.tryRevokeAccessToken(ctx, req) {
			return nil
		}
		s.tryRevokeRefreshToken(ctx, req)
		return nil
	}
	if s.tryRevokeRefreshToken(ctx, req) {
		return nil
	}
	s.tryRevokeAccessToken(ctx, req)
	return nil
}

// tryRevokeRefreshToken attempts to interpret the token as an opaque
// refresh token and revoke the pair it belongs to.
func (s *AuthorizationServer) tryRevokeRefreshToken(ctx context.Context, req *RevocationRequest) bool {
	plaintext, err := s.encryptor.Decrypt(req.Token)
	if err != nil {
		return false
	}
	var payload revocationPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return false
	}
	if payload.ClientID != req.ClientID {
		// Decrypted fine but belongs to someone else. Pretend it
		// never existed.
		return true
	}

	if err := s.repos.RefreshTokens.RevokeRefreshToken(ctx, payload.RefreshTokenID); err != nil {
		s.Logger.Error("Failed to revoke refresh token", "error", err, "token_id", payload.RefreshTokenID)
		return true
	}
	if err := s.repos.AccessTokens.RevokeAccessToken(ctx, payload.AccessTokenID); err != nil {
		s.Logger.Error("Failed to revoke access token", "error", err, "token_id", payload.AccessTokenID)
	}

	s.recordRevocation(ctx, "refresh_token", req.ClientID)
	return true
}

// tryRevokeAccessToken attempts to interpret the token as a signed
// access token and revoke it by jti.
func (s *AuthorizationServer) tryRevokeAccessToken(ctx context.Context, req *RevocationRequest) bool {
	claims, err := s.signer.VerifyAccessToken(req.Token)
	if err != nil {
		return false
	}
	if !slices.Contains(claims.Audience, req.ClientID) {
		return true
	}

	if err := s.repos.AccessTokens.RevokeAccessToken(ctx, claims.ID); err != nil {
		s.Logger.Error("Failed to revoke access token", "error", err, "token_id", claims.ID)
		return true
	}

	s.recordRevocation(ctx, "access_token", req.ClientID)
	return true
}

func (s *AuthorizationServer) recordRevocation(ctx context.Context, tokenType, clientID string) {
	s.Logger.Info("Revoked token", "token_type", tokenType, "client_id", clientID)
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(ctx, tokenType, clientID)
	}
	if s.inst != nil {
		s.inst.Metrics().TokensRevoked.Add(ctx, 1, metric.WithAttributes(
			attribute.String(instrumentation.AttrTokenType, tokenType),
			attribute.String(instrumentation.AttrClientID, clientID),
		))
	}
}
