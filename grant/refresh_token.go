package grant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
)

// RefreshToken implements the refresh_token grant with rotation: every
// exchange revokes the presented refresh token and the access token it
// was issued with, then issues a fresh pair.
type RefreshToken struct {
	base
}

// NewRefreshToken creates the grant.
func NewRefreshToken() *RefreshToken {
	return &RefreshToken{}
}

// ID implements Grant.
func (g *RefreshToken) ID() string {
	return TypeRefreshToken
}

// CanRespondToAccessTokenRequest implements Grant.
func (g *RefreshToken) CanRespondToAccessTokenRequest(req *Request) bool {
	return req.GrantType == TypeRefreshToken
}

// RespondToAccessTokenRequest implements Grant.
func (g *RefreshToken) RespondToAccessTokenRequest(ctx context.Context, req *Request, resp response.TokenResponse, accessTokenTTL time.Duration) error {
	client, err := g.validateClient(ctx, req, TypeRefreshToken)
	if err != nil {
		return err
	}

	old, err := g.validateOldRefreshToken(ctx, req, client)
	if err != nil {
		return err
	}

	// The new token's scopes default to the original grant. A client
	// may narrow them, never widen them.
	scopes := old.Scopes
	if req.Scope != "" {
		requested, err := g.validateScopes(ctx, req.Scope)
		if err != nil {
			return err
		}
		if id, ok := scopesWithin(requested, old.Scopes); !ok {
			return oautherr.InvalidScope(id)
		}
		scopes = entity.ScopeIDs(requested)
	}

	// Rotation: the presented pair dies before the replacement is
	// born, so a replayed refresh token can never mint tokens.
	if err := g.core.AccessTokens.RevokeAccessToken(ctx, old.AccessTokenID); err != nil {
		return oautherr.ServerError("").WithCause(err)
	}
	if err := g.core.RefreshTokens.RevokeRefreshToken(ctx, old.RefreshTokenID); err != nil {
		return oautherr.ServerError("").WithCause(err)
	}

	token, signed, err := g.issueAccessToken(ctx, accessTokenTTL, client, string(old.UserID), scopes)
	if err != nil {
		return err
	}

	_, opaque, err := g.issueRefreshToken(ctx, token)
	if err != nil {
		return err
	}

	g.core.logger().Info("Rotated refresh token",
		"client_id", client.ID,
		"old_refresh_token_id", old.RefreshTokenID,
		"new_access_token_id", token.ID)

	resp.SetAccessToken(signed, token)
	resp.SetRefreshToken(opaque)
	return nil
}

// validateOldRefreshToken decrypts and checks the presented refresh
// token. The checks run in a fixed order: decryptability, client
// binding, expiry, then revocation.
func (g *RefreshToken) validateOldRefreshToken(ctx context.Context, req *Request, client *entity.Client) (*refreshTokenPayload, error) {
	if req.RefreshToken == "" {
		return nil, oautherr.InvalidRequest("refresh_token")
	}

	plaintext, err := g.core.Encryptor.Decrypt(req.RefreshToken)
	if err != nil {
		return nil, oautherr.InvalidRefreshToken("Cannot decrypt the refresh token").WithCause(err)
	}

	var payload refreshTokenPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, oautherr.InvalidRefreshToken("Cannot decrypt the refresh token").WithCause(err)
	}

	if payload.ClientID != client.ID {
		return nil, oautherr.InvalidRefreshToken("Token is not linked to client")
	}

	if g.core.now().Unix() >= payload.ExpireTime {
		return nil, oautherr.InvalidRefreshToken("Token has expired")
	}

	revoked, err := g.core.RefreshTokens.IsRefreshTokenRevoked(ctx, payload.RefreshTokenID)
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}
	if revoked {
		return nil, oautherr.InvalidRefreshToken("Token has been revoked")
	}

	return &payload, nil
}
