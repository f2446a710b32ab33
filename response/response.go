// Package response shapes what grants hand back to clients: the JSON
// token payload for back-channel requests and redirect URIs for
// front-channel completions.
package response

import (
	"net/url"
	"strings"
	"time"

	"github.com/authkit/oauth2-server/entity"
)

// Payload is the OAuth 2.0 token response body.
type Payload struct {
	// AccessToken is the signed access token
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the opaque refresh token, omitted for grants
	// that do not issue one
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space-separated granted scopes
	Scope string `json:"scope,omitempty"`
}

// TokenResponse is implemented by response types a grant fills in
// after issuing tokens. The server's response type hook can substitute
// a custom implementation to add fields to the payload.
type TokenResponse interface {
	// SetAccessToken records the signed access token and its entity.
	SetAccessToken(signed string, token *entity.AccessToken)

	// SetRefreshToken records the opaque refresh token.
	SetRefreshToken(opaque string)

	// Build produces the wire payload. expires_in is computed against
	// now.
	Build(now time.Time) Payload
}

// BearerTokenResponse is the default TokenResponse.
type BearerTokenResponse struct {
	signed  string
	token   *entity.AccessToken
	refresh string
}

// NewBearerTokenResponse creates an empty bearer response.
func NewBearerTokenResponse() *BearerTokenResponse {
	return &BearerTokenResponse{}
}

// SetAccessToken implements TokenResponse.
func (r *BearerTokenResponse) SetAccessToken(signed string, token *entity.AccessToken) {
	r.signed = signed
	r.token = token
}

// SetRefreshToken implements TokenResponse.
func (r *BearerTokenResponse) SetRefreshToken(opaque string) {
	r.refresh = opaque
}

// AccessToken returns the underlying access token entity, nil until
// SetAccessToken has been called.
func (r *BearerTokenResponse) AccessToken() *entity.AccessToken {
	return r.token
}

// Build implements TokenResponse.
func (r *BearerTokenResponse) Build(now time.Time) Payload {
	p := Payload{
		AccessToken:  r.signed,
		TokenType:    "Bearer",
		RefreshToken: r.refresh,
	}
	if r.token != nil {
		p.ExpiresIn = int64(r.token.ExpiresAt.Sub(now).Seconds())
		p.Scope = strings.Join(r.token.Scopes, " ")
	}
	return p
}

// Redirect is the result of a front-channel grant completion: the URI
// the user agent must be sent to.
type Redirect struct {
	// URI is the fully assembled redirect target
	URI string
}

// MakeRedirectURI assembles a redirect URI from the client's base URI
// and the response parameters. When fragment is true the parameters go
// in the URI fragment (implicit flow); otherwise they are merged into
// the query string.
func MakeRedirectURI(base string, params url.Values, fragment bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if fragment {
		u.Fragment = params.Encode()
		return u.String(), nil
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
