package grant

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/url"
	"regexp"
	"time"

	"golang.org/x/oauth2"

	"github.com/authkit/oauth2-server/crypt"
	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
)

// DefaultAuthCodeTTL is how long an issued authorization code stays
// exchangeable.
const DefaultAuthCodeTTL = 10 * time.Minute

// codeVerifierRe is the RFC 7636 charset and length for verifiers and
// challenges.
var codeVerifierRe = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// AuthCode implements the authorization_code grant with PKCE. The
// front channel issues a single-use encrypted code; the back channel
// exchanges it for an access and refresh token pair.
type AuthCode struct {
	base

	// AuthCodeTTL is the code lifetime, DefaultAuthCodeTTL when zero
	AuthCodeTTL time.Duration

	// RequirePKCE forces a code_challenge for confidential clients
	// too. Public clients always need one.
	RequirePKCE bool
}

// NewAuthCode creates the grant.
func NewAuthCode() *AuthCode {
	return &AuthCode{AuthCodeTTL: DefaultAuthCodeTTL}
}

// ID implements Grant.
func (g *AuthCode) ID() string {
	return TypeAuthorizationCode
}

func (g *AuthCode) authCodeTTL() time.Duration {
	if g.AuthCodeTTL > 0 {
		return g.AuthCodeTTL
	}
	return DefaultAuthCodeTTL
}

// CanRespondToAccessTokenRequest implements Grant.
func (g *AuthCode) CanRespondToAccessTokenRequest(req *Request) bool {
	return req.GrantType == TypeAuthorizationCode
}

// CanRespondToAuthorizationRequest implements AuthorizationGrant.
func (g *AuthCode) CanRespondToAuthorizationRequest(params url.Values) bool {
	return params.Get("response_type") == "code" && params.Get("client_id") != ""
}

// ValidateAuthorizationRequest implements AuthorizationGrant.
func (g *AuthCode) ValidateAuthorizationRequest(ctx context.Context, params url.Values) (*entity.AuthorizationRequest, error) {
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

	codeChallenge := params.Get("code_challenge")
	codeChallengeMethod := params.Get("code_challenge_method")
	if codeChallenge == "" {
		if !client.IsConfidential() || g.RequirePKCE {
			return nil, oautherr.InvalidRequest("code_challenge").
				WithHint("Code challenge must be provided for this client")
		}
	} else {
		if !codeVerifierRe.MatchString(codeChallenge) {
			return nil, oautherr.InvalidRequest("code_challenge").
				WithHint("Code challenge must follow the specifications of RFC-7636")
		}
		if codeChallengeMethod == "" {
			codeChallengeMethod = "plain"
		}
		if codeChallengeMethod != "plain" && codeChallengeMethod != "S256" {
			return nil, oautherr.InvalidRequest("code_challenge_method").
				WithHint("Code challenge method must be one of \"plain\" or \"S256\"")
		}
	}

	return &entity.AuthorizationRequest{
		GrantTypeID:         TypeAuthorizationCode,
		Client:              client,
		Scopes:              scopes,
		RedirectURI:         redirectURI,
		State:               params.Get("state"),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	}, nil
}

// CompleteAuthorizationRequest implements AuthorizationGrant. The
// request must carry an authenticated user and the Approved flag.
func (g *AuthCode) CompleteAuthorizationRequest(ctx context.Context, ar *entity.AuthorizationRequest, _ time.Duration) (*response.Redirect, error) {
	if ar.User == nil {
		return nil, oautherr.ServerError("authorization request has no authenticated user")
	}

	if !ar.Approved {
		return nil, oautherr.AccessDenied().WithRedirect(ar.RedirectURI)
	}

	finalized, err := g.finalizeScopes(ctx, ar.Scopes, TypeAuthorizationCode, ar.Client, ar.User.ID)
	if err != nil {
		return nil, err
	}

	now := g.core.now()
	code := &entity.AuthCode{
		Token: entity.Token{
			ID:        crypt.NewTokenID(),
			ClientID:  ar.Client.ID,
			UserID:    ar.User.ID,
			Scopes:    finalized,
			IssuedAt:  now,
			ExpiresAt: now.Add(g.authCodeTTL()),
		},
		RedirectURI:         ar.RedirectURI,
		CodeChallenge:       ar.CodeChallenge,
		CodeChallengeMethod: ar.CodeChallengeMethod,
	}

	if err := g.core.AuthCodes.PersistAuthCode(ctx, code); err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}

	payload, err := json.Marshal(authCodePayload{
		AuthCodeID:          code.ID,
		ClientID:            code.ClientID,
		UserID:              subjectID(code.UserID),
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		ExpireTime:          code.ExpiresAt.Unix(),
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
	})
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}

	opaque, err := g.core.Encryptor.Encrypt(string(payload))
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}

	g.core.logger().Debug("Issued authorization code",
		"code_id", code.ID,
		"client_id", code.ClientID,
		"user_id", code.UserID)

	params := url.Values{"code": {opaque}}
	if ar.State != "" {
		params.Set("state", ar.State)
	}
	uri, err := response.MakeRedirectURI(ar.RedirectURI, params, false)
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}
	return &response.Redirect{URI: uri}, nil
}

// authCodePayload is the plaintext of the encrypted authorization
// code.
type authCodePayload struct {
	AuthCodeID          string    `json:"auth_code_id"`
	ClientID            string    `json:"client_id"`
	UserID              subjectID `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	ExpireTime          int64     `json:"expire_time"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
}

// RespondToAccessTokenRequest implements Grant: the code exchange.
func (g *AuthCode) RespondToAccessTokenRequest(ctx context.Context, req *Request, resp response.TokenResponse, accessTokenTTL time.Duration) error {
	client, err := g.validateClient(ctx, req, TypeAuthorizationCode)
	if err != nil {
		return err
	}

	payload, err := g.validateAuthCode(ctx, req, client)
	if err != nil {
		return err
	}

	// Single use: the code dies before any token is minted, so a
	// replayed code fails even if token issuance below errors out.
	if err := g.core.AuthCodes.RevokeAuthCode(ctx, payload.AuthCodeID); err != nil {
		return oautherr.ServerError("").WithCause(err)
	}

	token, signed, err := g.issueAccessToken(ctx, accessTokenTTL, client, string(payload.UserID), payload.Scopes)
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

// validateAuthCode decrypts and checks the presented code, including
// the PKCE verifier when the code was issued with a challenge.
func (g *AuthCode) validateAuthCode(ctx context.Context, req *Request, client *entity.Client) (*authCodePayload, error) {
	if req.Code == "" {
		return nil, oautherr.InvalidRequest("code")
	}

	plaintext, err := g.core.Encryptor.Decrypt(req.Code)
	if err != nil {
		return nil, oautherr.InvalidRequest("code").
			WithHint("Cannot decrypt the authorization code").WithCause(err)
	}

	var payload authCodePayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, oautherr.InvalidRequest("code").
			WithHint("Cannot decrypt the authorization code").WithCause(err)
	}

	if payload.ClientID != client.ID {
		return nil, oautherr.InvalidRequest("code").
			WithHint("Authorization code was not issued to this client")
	}

	if g.core.now().Unix() >= payload.ExpireTime {
		return nil, oautherr.InvalidGrant("Authorization code has expired")
	}

	revoked, err := g.core.AuthCodes.IsAuthCodeRevoked(ctx, payload.AuthCodeID)
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}
	if revoked {
		return nil, oautherr.InvalidGrant("Authorization code has been revoked")
	}

	if payload.RedirectURI != "" && payload.RedirectURI != req.RedirectURI {
		return nil, oautherr.InvalidRequest("redirect_uri")
	}

	if payload.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, oautherr.InvalidRequest("code_verifier")
		}
		if !codeVerifierRe.MatchString(req.CodeVerifier) {
			return nil, oautherr.InvalidRequest("code_verifier").
				WithHint("Code verifier must follow the specifications of RFC-7636")
		}
		if !verifyCodeChallenge(req.CodeVerifier, payload.CodeChallenge, payload.CodeChallengeMethod) {
			return nil, oautherr.InvalidGrant("Failed to verify code_verifier")
		}
	}

	return &payload, nil
}

// verifyCodeChallenge checks the verifier against the stored challenge
// in constant time.
func verifyCodeChallenge(verifier, challenge, method string) bool {
	switch method {
	case "S256":
		derived := oauth2.S256ChallengeFromVerifier(verifier)
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// resolveRedirectURI validates the requested redirect URI against the
// client's registered URIs, defaulting to the sole registered URI when
// the request omits one.
func resolveRedirectURI(client *entity.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", oautherr.InvalidRequest("redirect_uri")
	}
	if !client.HasRedirectURI(requested) {
		return "", oautherr.InvalidRedirectURI()
	}
	return requested, nil
}
