// Package entity defines the domain model shared by the grants, the
// repositories, and the storage backends: clients, scopes, users, and
// the three token shapes (access token, authorization code, refresh
// token).
package entity

import (
	"slices"
	"time"
)

// Client represents a registered OAuth client application.
type Client struct {
	// ID is the unique client identifier
	ID string

	// Name is the human-readable client name
	Name string

	// SecretHash is the bcrypt hash of the client secret. Empty for
	// public clients.
	SecretHash []byte

	// RedirectURIs lists the registered redirection endpoints
	RedirectURIs []string

	// Confidential reports whether the client can keep a secret and
	// must authenticate at the token endpoint
	Confidential bool

	// AllowedGrantTypes restricts which grant types the client may
	// use. Empty means all enabled grants.
	AllowedGrantTypes []string

	// CreatedAt is when the client was registered
	CreatedAt time.Time
}

// IsConfidential reports whether the client must authenticate with its
// secret.
func (c *Client) IsConfidential() bool {
	return c.Confidential
}

// HasRedirectURI reports whether uri is registered for the client.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// CanUseGrantType reports whether the client may use the given grant
// type.
func (c *Client) CanUseGrantType(grantType string) bool {
	if len(c.AllowedGrantTypes) == 0 {
		return true
	}
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// Scope represents a permission that can be attached to a token.
type Scope struct {
	// ID is the scope identifier as it appears in requests ("email",
	// "profile")
	ID string

	// Description is shown on consent screens
	Description string
}

// ScopeIDs extracts the identifiers from a scope list.
func ScopeIDs(scopes []Scope) []string {
	ids := make([]string, len(scopes))
	for i, s := range scopes {
		ids[i] = s.ID
	}
	return ids
}

// User represents an authenticated resource owner.
type User struct {
	// ID is the stable user identifier placed in the token's sub claim
	ID string

	// Email is optional and only used for audit logging
	Email string
}

// Token is the common state of every issued token artifact.
type Token struct {
	// ID is the unique token identifier (jti for access tokens)
	ID string

	// ClientID is the client the token was issued to
	ClientID string

	// UserID is the resource owner, empty for client_credentials
	UserID string

	// Scopes are the granted scope identifiers
	Scopes []string

	// ExpiresAt is when the token stops being valid
	ExpiresAt time.Time

	// IssuedAt is when the token was created
	IssuedAt time.Time
}

// IsExpired reports whether the token has passed its expiry.
func (t *Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AccessToken represents an issued access token. The JWT is derived
// from this state at issue time; the stored record exists so tokens
// can be revoked before expiry.
type AccessToken struct {
	Token
}

// AuthCode represents a single-use authorization code.
type AuthCode struct {
	Token

	// RedirectURI is the redirect URI bound at authorization time and
	// re-validated at exchange
	RedirectURI string

	// CodeChallenge is the PKCE challenge, empty when the client did
	// not use PKCE
	CodeChallenge string

	// CodeChallengeMethod is "S256" or "plain"
	CodeChallengeMethod string
}

// RefreshToken represents an issued refresh token. Refresh tokens are
// bound to the access token they were issued with so revoking one
// revokes the pair.
type RefreshToken struct {
	Token

	// AccessTokenID is the access token issued alongside this refresh
	// token
	AccessTokenID string
}

// AuthorizationRequest carries the validated state of a front-channel
// authorization request between ValidateAuthorizationRequest and
// CompleteAuthorizationRequest.
type AuthorizationRequest struct {
	// GrantTypeID identifies the grant that will complete the request
	GrantTypeID string

	// Client is the validated client
	Client *Client

	// User is set by the caller after authenticating the resource
	// owner
	User *User

	// Scopes are the validated requested scopes
	Scopes []Scope

	// RedirectURI is the validated redirect URI
	RedirectURI string

	// State is echoed back to the client unmodified
	State string

	// CodeChallenge and CodeChallengeMethod carry the PKCE parameters
	CodeChallenge       string
	CodeChallengeMethod string

	// Approved must be set to true after the resource owner consents;
	// completing an unapproved request is denied
	Approved bool
}
