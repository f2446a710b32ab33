package grant

import (
	"context"
	"errors"
	"time"

	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/repository"
	"github.com/authkit/oauth2-server/response"
)

// Password implements the resource owner password credentials grant.
// Kept for first-party clients migrating off legacy deployments; new
// integrations should use the authorization code grant.
type Password struct {
	base
}

// NewPassword creates the grant.
func NewPassword() *Password {
	return &Password{}
}

// ID implements Grant.
func (g *Password) ID() string {
	return TypePassword
}

// CanRespondToAccessTokenRequest implements Grant.
func (g *Password) CanRespondToAccessTokenRequest(req *Request) bool {
	return req.GrantType == TypePassword
}

// RespondToAccessTokenRequest implements Grant.
func (g *Password) RespondToAccessTokenRequest(ctx context.Context, req *Request, resp response.TokenResponse, accessTokenTTL time.Duration) error {
	client, err := g.validateClient(ctx, req, TypePassword)
	if err != nil {
		return err
	}

	if req.Username == "" {
		return oautherr.InvalidRequest("username")
	}
	if req.Password == "" {
		return oautherr.InvalidRequest("password")
	}

	user, err := g.core.Users.GetUserByCredentials(ctx, req.Username, req.Password, TypePassword, client)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return oautherr.InvalidCredentials()
		}
		return oautherr.ServerError("").WithCause(err)
	}

	scopes, err := g.validateScopes(ctx, req.Scope)
	if err != nil {
		return err
	}

	finalized, err := g.finalizeScopes(ctx, scopes, TypePassword, client, user.ID)
	if err != nil {
		return err
	}

	token, signed, err := g.issueAccessToken(ctx, accessTokenTTL, client, user.ID, finalized)
	if err != nil {
		return err
	}

	_, opaque, err := g.issueRefreshToken(ctx, token)
	if err != nil {
		return err
	}

	resp.SetAccessToken(signed, token)
	resp.SetRefreshToken(opaque)
	return nil
}
