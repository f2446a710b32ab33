package grant

import (
	"context"
	"time"

	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
)

// ClientCredentials implements the client_credentials grant: a
// confidential client exchanges its own credentials for an access
// token. No resource owner is involved and no refresh token is issued.
type ClientCredentials struct {
	base
}

// NewClientCredentials creates the grant.
func NewClientCredentials() *ClientCredentials {
	return &ClientCredentials{}
}

// ID implements Grant.
func (g *ClientCredentials) ID() string {
	return TypeClientCredentials
}

// CanRespondToAccessTokenRequest implements Grant.
func (g *ClientCredentials) CanRespondToAccessTokenRequest(req *Request) bool {
	return req.GrantType == TypeClientCredentials
}

// RespondToAccessTokenRequest implements Grant.
func (g *ClientCredentials) RespondToAccessTokenRequest(ctx context.Context, req *Request, resp response.TokenResponse, accessTokenTTL time.Duration) error {
	client, err := g.validateClient(ctx, req, TypeClientCredentials)
	if err != nil {
		return err
	}

	// Machine-to-machine flow, public clients cannot hold the secret
	// it depends on.
	if !client.IsConfidential() {
		return oautherr.UnauthorizedClient()
	}

	scopes, err := g.validateScopes(ctx, req.Scope)
	if err != nil {
		return err
	}

	finalized, err := g.finalizeScopes(ctx, scopes, TypeClientCredentials, client, "")
	if err != nil {
		return err
	}

	token, signed, err := g.issueAccessToken(ctx, accessTokenTTL, client, "", finalized)
	if err != nil {
		return err
	}

	resp.SetAccessToken(signed, token)
	return nil
}
