// Package grant implements the OAuth 2.0 grant state machines. Each
// grant type is a small struct embedding Core, the shared machinery
// the authorization server injects when the grant is enabled.
package grant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/authkit/oauth2-server/crypt"
	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/repository"
	"github.com/authkit/oauth2-server/response"
)

// Grant type identifiers as they appear in the grant_type parameter.
const (
	TypeAuthorizationCode = "authorization_code"
	TypeClientCredentials = "client_credentials"
	TypeRefreshToken      = "refresh_token"
	TypePassword          = "password"
	TypeImplicit          = "implicit"
)

// Request is a parsed token endpoint request.
type Request struct {
	// GrantType is the grant_type parameter
	GrantType string

	// ClientID and ClientSecret carry the client credentials, from
	// either the request body or HTTP Basic auth
	ClientID     string
	ClientSecret string

	// Code and CodeVerifier are used by the authorization code grant
	Code         string
	CodeVerifier string

	// RedirectURI is re-validated during code exchange
	RedirectURI string

	// RefreshToken is the opaque refresh token being exchanged
	RefreshToken string

	// Scope is the space-separated requested scopes
	Scope string

	// Username and Password are used by the password grant
	Username string
	Password string
}

// ParseRequest extracts a Request from form values.
func ParseRequest(form url.Values) *Request {
	return &Request{
		GrantType:    form.Get("grant_type"),
		ClientID:     form.Get("client_id"),
		ClientSecret: form.Get("client_secret"),
		Code:         form.Get("code"),
		CodeVerifier: form.Get("code_verifier"),
		RedirectURI:  form.Get("redirect_uri"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		Username:     form.Get("username"),
		Password:     form.Get("password"),
	}
}

// Grant is a back-channel grant type: it can exchange a token endpoint
// request for tokens.
type Grant interface {
	// ID returns the grant_type identifier.
	ID() string

	// Attach injects the shared machinery. Called once when the grant
	// is enabled on a server.
	Attach(core *Core)

	// CanRespondToAccessTokenRequest reports whether this grant
	// handles the given request.
	CanRespondToAccessTokenRequest(req *Request) bool

	// RespondToAccessTokenRequest runs the grant's state machine and
	// fills in resp on success.
	RespondToAccessTokenRequest(ctx context.Context, req *Request, resp response.TokenResponse, accessTokenTTL time.Duration) error
}

// AuthorizationGrant is a front-channel grant type: it additionally
// validates and completes authorization requests.
type AuthorizationGrant interface {
	Grant

	// CanRespondToAuthorizationRequest reports whether this grant
	// handles the given authorization endpoint parameters.
	CanRespondToAuthorizationRequest(params url.Values) bool

	// ValidateAuthorizationRequest checks the authorization endpoint
	// parameters and returns the pending request.
	ValidateAuthorizationRequest(ctx context.Context, params url.Values) (*entity.AuthorizationRequest, error)

	// CompleteAuthorizationRequest turns an approved request into a
	// redirect carrying the grant's artifact.
	CompleteAuthorizationRequest(ctx context.Context, ar *entity.AuthorizationRequest, accessTokenTTL time.Duration) (*response.Redirect, error)
}

// Core is the machinery shared by all grants: repositories, crypto,
// and logging. The server builds one Core and attaches it to every
// enabled grant.
type Core struct {
	Clients       repository.ClientRepository
	Scopes        repository.ScopeRepository
	AccessTokens  repository.AccessTokenRepository
	AuthCodes     repository.AuthCodeRepository
	RefreshTokens repository.RefreshTokenRepository
	Users         repository.UserRepository

	Signer    *crypt.Signer
	Encryptor *crypt.Encryptor
	Logger    *slog.Logger

	// RefreshTokenTTL is the lifetime of issued refresh tokens
	RefreshTokenTTL time.Duration

	// Now is the clock, overridable in tests
	Now func() time.Time
}

func (c *Core) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Core) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// base carries the attached Core for every grant implementation.
type base struct {
	core *Core
}

// Attach implements Grant.
func (b *base) Attach(core *Core) {
	b.core = core
}

// validateClient authenticates the client on a token request. Missing
// client_id is a malformed request; everything else that fails maps to
// invalid_client so credential probing learns nothing.
func (b *base) validateClient(ctx context.Context, req *Request, grantType string) (*entity.Client, error) {
	if req.ClientID == "" {
		return nil, oautherr.InvalidRequest("client_id")
	}

	client, err := b.core.Clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, oautherr.InvalidClient().WithCause(err)
	}

	if !client.CanUseGrantType(grantType) {
		return nil, oautherr.UnauthorizedClient()
	}

	if !b.core.Clients.ValidateClient(ctx, req.ClientID, req.ClientSecret, grantType) {
		return nil, oautherr.InvalidClient()
	}

	return client, nil
}

// validateScopes resolves a space-separated scope string against the
// scope repository. An unknown scope rejects the whole request.
func (b *base) validateScopes(ctx context.Context, scopeParam string) ([]entity.Scope, error) {
	var scopes []entity.Scope
	for _, id := range strings.Fields(scopeParam) {
		scope, err := b.core.Scopes.GetScopeByIdentifier(ctx, id)
		if err != nil {
			return nil, oautherr.InvalidScope(id).WithCause(err)
		}
		scopes = append(scopes, *scope)
	}
	return scopes, nil
}

// issueAccessToken creates, signs, and persists an access token.
func (b *base) issueAccessToken(ctx context.Context, ttl time.Duration, client *entity.Client, userID string, scopes []string) (*entity.AccessToken, string, error) {
	now := b.core.now()
	token := &entity.AccessToken{
		Token: entity.Token{
			ID:        crypt.NewTokenID(),
			ClientID:  client.ID,
			UserID:    userID,
			Scopes:    scopes,
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
		},
	}

	signed, err := b.core.Signer.SignAccessToken(token)
	if err != nil {
		return nil, "", oautherr.ServerError("").WithCause(err)
	}

	if err := b.core.AccessTokens.PersistAccessToken(ctx, token); err != nil {
		return nil, "", oautherr.ServerError("").WithCause(err)
	}

	b.core.logger().Debug("Issued access token",
		"token_id", token.ID,
		"client_id", client.ID,
		"scopes", scopes)

	return token, signed, nil
}

// subjectID is a user identifier inside an opaque token payload.
// Tokens minted by older deployments encode user_id as a JSON number,
// so both encodings decode. Always marshals as a string.
type subjectID string

func (s *subjectID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = subjectID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = subjectID(num.String())
	return nil
}

// refreshTokenPayload is the plaintext of the encrypted refresh token.
type refreshTokenPayload struct {
	ClientID       string    `json:"client_id"`
	RefreshTokenID string    `json:"refresh_token_id"`
	AccessTokenID  string    `json:"access_token_id"`
	Scopes         []string  `json:"scopes"`
	UserID         subjectID `json:"user_id"`
	ExpireTime     int64     `json:"expire_time"`
}

// issueRefreshToken creates and persists a refresh token bound to the
// given access token, returning the entity and its encrypted opaque
// form.
func (b *base) issueRefreshToken(ctx context.Context, accessToken *entity.AccessToken) (*entity.RefreshToken, string, error) {
	now := b.core.now()
	token := &entity.RefreshToken{
		Token: entity.Token{
			ID:        crypt.NewTokenID(),
			ClientID:  accessToken.ClientID,
			UserID:    accessToken.UserID,
			Scopes:    accessToken.Scopes,
			IssuedAt:  now,
			ExpiresAt: now.Add(b.core.RefreshTokenTTL),
		},
		AccessTokenID: accessToken.ID,
	}

	payload, err := json.Marshal(refreshTokenPayload{
		ClientID:       token.ClientID,
		RefreshTokenID: token.ID,
		AccessTokenID:  token.AccessTokenID,
		Scopes:         token.Scopes,
		UserID:         subjectID(token.UserID),
		ExpireTime:     token.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, "", oautherr.ServerError("").WithCause(err)
	}

	opaque, err := b.core.Encryptor.Encrypt(string(payload))
	if err != nil {
		return nil, "", oautherr.ServerError("").WithCause(fmt.Errorf("failed to encrypt refresh token: %w", err))
	}

	if err := b.core.RefreshTokens.PersistRefreshToken(ctx, token); err != nil {
		return nil, "", oautherr.ServerError("").WithCause(err)
	}

	b.core.logger().Debug("Issued refresh token",
		"token_id", token.ID,
		"access_token_id", token.AccessTokenID,
		"client_id", token.ClientID)

	return token, opaque, nil
}

// finalizeScopes runs the repository's final say over the scope set.
func (b *base) finalizeScopes(ctx context.Context, scopes []entity.Scope, grantType string, client *entity.Client, userID string) ([]string, error) {
	finalized, err := b.core.Scopes.FinalizeScopes(ctx, scopes, grantType, client, userID)
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}
	return entity.ScopeIDs(finalized), nil
}

// scopesWithin reports whether every requested scope identifier is in
// the granted set.
func scopesWithin(requested []entity.Scope, granted []string) (string, bool) {
	for _, s := range requested {
		if !slices.Contains(granted, s.ID) {
			return s.ID, false
		}
	}
	return "", true
}
