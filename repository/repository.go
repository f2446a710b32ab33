// Package repository declares the persistence contracts the grants
// depend on. Implementations live under storage/; the grants only ever
// see these interfaces.
package repository

import (
	"context"
	"errors"

	"github.com/authkit/oauth2-server/entity"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers translate it into the appropriate OAuth error.
var ErrNotFound = errors.New("repository: not found")

// ClientRepository resolves and authenticates clients.
type ClientRepository interface {
	// GetClient returns the client registered under clientID.
	GetClient(ctx context.Context, clientID string) (*entity.Client, error)

	// ValidateClient authenticates the client for the given grant
	// type. For confidential clients the secret must match; for
	// public clients an empty secret is accepted. Returns false when
	// authentication fails for any reason.
	ValidateClient(ctx context.Context, clientID, clientSecret, grantType string) bool
}

// ScopeRepository resolves and finalizes scopes.
type ScopeRepository interface {
	// GetScopeByIdentifier returns the scope for the given identifier
	// or ErrNotFound.
	GetScopeByIdentifier(ctx context.Context, identifier string) (*entity.Scope, error)

	// FinalizeScopes gives the repository a last chance to grow or
	// shrink the scope set before a token is issued, based on the
	// grant type, client, and user.
	FinalizeScopes(ctx context.Context, scopes []entity.Scope, grantType string, client *entity.Client, userID string) ([]entity.Scope, error)
}

// AccessTokenRepository persists issued access tokens so they can be
// revoked before their natural expiry.
type AccessTokenRepository interface {
	// PersistAccessToken stores a newly issued access token.
	PersistAccessToken(ctx context.Context, token *entity.AccessToken) error

	// RevokeAccessToken marks the token as revoked. Revoking an
	// unknown token is not an error.
	RevokeAccessToken(ctx context.Context, tokenID string) error

	// IsAccessTokenRevoked reports whether the token has been
	// revoked or never persisted.
	IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthCodeRepository persists authorization codes for single-use
// enforcement.
type AuthCodeRepository interface {
	// PersistAuthCode stores a newly issued authorization code.
	PersistAuthCode(ctx context.Context, code *entity.AuthCode) error

	// RevokeAuthCode marks the code as used.
	RevokeAuthCode(ctx context.Context, codeID string) error

	// IsAuthCodeRevoked reports whether the code has been used or
	// never persisted.
	IsAuthCodeRevoked(ctx context.Context, codeID string) (bool, error)
}

// RefreshTokenRepository persists refresh tokens for rotation and
// revocation.
type RefreshTokenRepository interface {
	// PersistRefreshToken stores a newly issued refresh token.
	PersistRefreshToken(ctx context.Context, token *entity.RefreshToken) error

	// RevokeRefreshToken marks the token as consumed or revoked.
	RevokeRefreshToken(ctx context.Context, tokenID string) error

	// IsRefreshTokenRevoked reports whether the token has been
	// revoked or never persisted.
	IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// UserRepository authenticates resource owners for the password grant.
type UserRepository interface {
	// GetUserByCredentials returns the user matching the given
	// username and password, or ErrNotFound when authentication
	// fails.
	GetUserByCredentials(ctx context.Context, username, password, grantType string, client *entity.Client) (*entity.User, error)
}
