package grant

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
)

// Implicit implements the legacy implicit grant: the access token is
// returned directly in the redirect fragment. It never issues refresh
// tokens and cannot respond at the token endpoint. Disabled by
// default; kept for clients that cannot yet move to authorization
// code with PKCE.
type Implicit struct {
	base

	// AccessTokenTTL overrides the lifetime the server was enabled
	// with. Zero means use the enable-time TTL.
	AccessTokenTTL time.Duration
}

// NewImplicit creates the grant. A non-zero accessTokenTTL overrides
// the lifetime passed at enable time.
func NewImplicit(accessTokenTTL time.Duration) *Implicit {
	return &Implicit{AccessTokenTTL: accessTokenTTL}
}

// ID implements Grant.
func (g *Implicit) ID() string {
	return TypeImplicit
}

// CanRespondToAccessTokenRequest implements Grant. The implicit grant
// has no back channel.
func (g *Implicit) CanRespondToAccessTokenRequest(*Request) bool {
	return false
}

// RespondToAccessTokenRequest implements Grant.
func (g *Implicit) RespondToAccessTokenRequest(context.Context, *Request, response.TokenResponse, time.Duration) error {
	return oautherr.UnsupportedGrantType()
}

// CanRespondToAuthorizationRequest implements AuthorizationGrant.
func (g *Implicit) CanRespondToAuthorizationRequest(params url.Values) bool {
	return params.Get("response_type") == "token" && params.Get("client_id") != ""
}

// ValidateAuthorizationRequest implements AuthorizationGrant.
func (g *Implicit) ValidateAuthorizationRequest(ctx context.Context, params url.Values) (*entity.AuthorizationRequest, error) {
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, oautherr.InvalidRequest("client_id")
	}

	client, err := g.core.Clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, oautherr.InvalidClient().WithCause(err)
	}

	redirectURI, err := resolveRedirectURI(client, params.Get("redirect_uri"))
	if err != nil {
		return nil, err
	}

	scopes, err := g.validateScopes(ctx, params.Get("scope"))
	if err != nil {
		return nil, err
	}

	return &entity.AuthorizationRequest{
		GrantTypeID: TypeImplicit,
		Client:      client,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		State:       params.Get("state"),
	}, nil
}

// CompleteAuthorizationRequest implements AuthorizationGrant. The
// token travels in the URI fragment so it never reaches the redirect
// target's server logs.
func (g *Implicit) CompleteAuthorizationRequest(ctx context.Context, ar *entity.AuthorizationRequest, accessTokenTTL time.Duration) (*response.Redirect, error) {
	if ar.User == nil {
		return nil, oautherr.ServerError("authorization request has no authenticated user")
	}

	if !ar.Approved {
		return nil, oautherr.AccessDenied().WithRedirect(ar.RedirectURI)
	}

	finalized, err := g.finalizeScopes(ctx, ar.Scopes, TypeImplicit, ar.Client, ar.User.ID)
	if err != nil {
		return nil, err
	}

	ttl := g.AccessTokenTTL
	if ttl <= 0 {
		ttl = accessTokenTTL
	}
	token, signed, err := g.issueAccessToken(ctx, ttl, ar.Client, ar.User.ID, finalized)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"access_token": {signed},
		"token_type":   {"Bearer"},
		"expires_in":   {strconv.FormatInt(int64(token.ExpiresAt.Sub(g.core.now()).Seconds()), 10)},
	}
	if ar.State != "" {
		params.Set("state", ar.State)
	}
	uri, err := response.MakeRedirectURI(ar.RedirectURI, params, true)
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}
	return &response.Redirect{URI: uri}, nil
}
