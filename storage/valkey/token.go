package valkey

import (
	"context"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authkit/oauth2-server/entity"
)

// persist writes a token record with a TTL covering the token lifetime
// plus the revoked-marker retention window.
func (s *Store) persist(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt) + s.revokedRetention
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(stateActive).Ex(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to persist token record: %w", err)
	}
	return nil
}

// revoke flips a record to revoked, keeping the original TTL. Unknown
// records are left alone; the revocation check already treats them as
// revoked.
func (s *Store) revoke(ctx context.Context, key string) error {
	err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(stateRevoked).Xx().Keepttl().Build()).Error()
	if err != nil && !valkeygo.IsValkeyNil(err) {
		return fmt.Errorf("failed to revoke token record: %w", err)
	}
	return nil
}

// isRevoked reports the record's state. Missing records count as
// revoked.
func (s *Store) isRevoked(ctx context.Context, key string) (bool, error) {
	val, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to read token record: %w", err)
	}
	return val == stateRevoked, nil
}

// ============================================================
// AccessTokenRepository
// ============================================================

// PersistAccessToken implements repository.AccessTokenRepository.
func (s *Store) PersistAccessToken(ctx context.Context, token *entity.AccessToken) error {
	if err := s.persist(ctx, s.accessTokenKey(token.ID), token.ExpiresAt); err != nil {
		return err
	}
	s.logger.Debug("Persisted access token", "token_id", truncateID(token.ID))
	return nil
}

// RevokeAccessToken implements repository.AccessTokenRepository.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	return s.revoke(ctx, s.accessTokenKey(tokenID))
}

// IsAccessTokenRevoked implements repository.AccessTokenRepository.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.isRevoked(ctx, s.accessTokenKey(tokenID))
}

// ============================================================
// AuthCodeRepository
// ============================================================

// PersistAuthCode implements repository.AuthCodeRepository.
func (s *Store) PersistAuthCode(ctx context.Context, code *entity.AuthCode) error {
	if err := s.persist(ctx, s.authCodeKey(code.ID), code.ExpiresAt); err != nil {
		return err
	}
	s.logger.Debug("Persisted authorization code", "code_id", truncateID(code.ID))
	return nil
}

// RevokeAuthCode implements repository.AuthCodeRepository.
func (s *Store) RevokeAuthCode(ctx context.Context, codeID string) error {
	return s.revoke(ctx, s.authCodeKey(codeID))
}

// IsAuthCodeRevoked implements repository.AuthCodeRepository.
func (s *Store) IsAuthCodeRevoked(ctx context.Context, codeID string) (bool, error) {
	return s.isRevoked(ctx, s.authCodeKey(codeID))
}

// ============================================================
// RefreshTokenRepository
// ============================================================

// PersistRefreshToken implements repository.RefreshTokenRepository.
func (s *Store) PersistRefreshToken(ctx context.Context, token *entity.RefreshToken) error {
	if err := s.persist(ctx, s.refreshTokenKey(token.ID), token.ExpiresAt); err != nil {
		return err
	}
	s.logger.Debug("Persisted refresh token", "token_id", truncateID(token.ID))
	return nil
}

// RevokeRefreshToken implements repository.RefreshTokenRepository.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	return s.revoke(ctx, s.refreshTokenKey(tokenID))
}

// IsRefreshTokenRevoked implements repository.RefreshTokenRepository.
func (s *Store) IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.isRevoked(ctx, s.refreshTokenKey(tokenID))
}
