package grant

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/authkit/oauth2-server/crypt"
	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
)

func newAttachedAuthCode(env *testEnv) *AuthCode {
	g := NewAuthCode()
	g.Attach(env.core)
	return g
}

// authorizeParams builds a minimal valid front-channel request.
func authorizeParams(overrides url.Values) url.Values {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {"client-1"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"scope":         {"read"},
		"state":         {"xyz"},
	}
	for k, v := range overrides {
		if len(v) == 1 && v[0] == "" {
			params.Del(k)
			continue
		}
		params[k] = v
	}
	return params
}

func TestAuthCodeGrant_CanRespondToAuthorizationRequest(t *testing.T) {
	g := NewAuthCode()

	if !g.CanRespondToAuthorizationRequest(authorizeParams(nil)) {
		t.Error("expected to handle response_type=code")
	}
	if g.CanRespondToAuthorizationRequest(url.Values{"response_type": {"token"}, "client_id": {"c"}}) {
		t.Error("should not handle response_type=token")
	}
	if g.CanRespondToAuthorizationRequest(url.Values{"response_type": {"code"}}) {
		t.Error("should not handle a request without client_id")
	}
}

func TestAuthCodeGrant_ValidateAuthorizationRequest(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name        string
		params      url.Values
		wantNumeric int
	}{
		{
			name:   "confidential client without PKCE",
			params: authorizeParams(nil),
		},
		{
			name: "public client with S256 challenge",
			params: authorizeParams(url.Values{
				"client_id":             {"spa-1"},
				"redirect_uri":          {"https://spa.example.com/cb"},
				"code_challenge":        {challenge},
				"code_challenge_method": {"S256"},
			}),
		},
		{
			name: "public client without PKCE",
			params: authorizeParams(url.Values{
				"client_id":    {"spa-1"},
				"redirect_uri": {"https://spa.example.com/cb"},
			}),
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "unknown client",
			params:      authorizeParams(url.Values{"client_id": {"nope"}}),
			wantNumeric: oautherr.NumInvalidClient,
		},
		{
			name:        "unregistered redirect URI",
			params:      authorizeParams(url.Values{"redirect_uri": {"https://evil.example.com/"}}),
			wantNumeric: oautherr.NumInvalidClient,
		},
		{
			name: "public client with ambiguous redirect URI omitted",
			params: authorizeParams(url.Values{
				"client_id":      {"spa-1"},
				"redirect_uri":   {""},
				"code_challenge": {challenge},
			}),
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "unknown scope",
			params:      authorizeParams(url.Values{"scope": {"read admin"}}),
			wantNumeric: oautherr.NumInvalidScope,
		},
		{
			name: "challenge too short",
			params: authorizeParams(url.Values{
				"code_challenge": {"short"},
			}),
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name: "challenge with invalid characters",
			params: authorizeParams(url.Values{
				"code_challenge": {strings.Repeat("a", 42) + "!!"},
			}),
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name: "unsupported challenge method",
			params: authorizeParams(url.Values{
				"code_challenge":        {challenge},
				"code_challenge_method": {"S512"},
			}),
			wantNumeric: oautherr.NumInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ar, err := g.ValidateAuthorizationRequest(ctx, tt.params)
			if tt.wantNumeric != 0 {
				requireOAuthError(t, err, tt.wantNumeric)
				return
			}
			if err != nil {
				t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
			}
			if ar.GrantTypeID != TypeAuthorizationCode {
				t.Errorf("grant type = %q", ar.GrantTypeID)
			}
			if ar.State != "xyz" {
				t.Errorf("state = %q, want xyz", ar.State)
			}
		})
	}
}

func TestAuthCodeGrant_ChallengeMethodDefaultsToPlain(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)

	ar, err := g.ValidateAuthorizationRequest(context.Background(), authorizeParams(url.Values{
		"code_challenge": {strings.Repeat("a", 43)},
	}))
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	if ar.CodeChallengeMethod != "plain" {
		t.Errorf("method = %q, want plain", ar.CodeChallengeMethod)
	}
}

func TestAuthCodeGrant_CompleteDenied(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)

	ar, err := g.ValidateAuthorizationRequest(context.Background(), authorizeParams(nil))
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	ar.User = &entity.User{ID: "user-1"}
	ar.Approved = false

	_, err = g.CompleteAuthorizationRequest(context.Background(), ar, time.Hour)
	e := requireOAuthError(t, err, oautherr.NumAccessDenied)
	if e.RedirectURI != "https://app.example.com/callback" {
		t.Errorf("redirect URI = %q", e.RedirectURI)
	}
}

func TestAuthCodeGrant_CompleteWithoutUser(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)

	ar, err := g.ValidateAuthorizationRequest(context.Background(), authorizeParams(nil))
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	ar.Approved = true

	_, err = g.CompleteAuthorizationRequest(context.Background(), ar, time.Hour)
	requireOAuthError(t, err, oautherr.NumServerError)
}

// authorize runs the front channel end to end and returns the code
// from the redirect.
func (env *testEnv) authorize(t *testing.T, g *AuthCode, params url.Values) (code, state string) {
	t.Helper()

	ar, err := g.ValidateAuthorizationRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	ar.User = &entity.User{ID: "user-1", Email: "alice@example.com"}
	ar.Approved = true

	redirect, err := g.CompleteAuthorizationRequest(context.Background(), ar, time.Hour)
	if err != nil {
		t.Fatalf("CompleteAuthorizationRequest() error = %v", err)
	}

	u, err := url.Parse(redirect.URI)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", redirect.URI, err)
	}
	q := u.Query()
	if q.Get("code") == "" {
		t.Fatalf("redirect %q carries no code", redirect.URI)
	}
	return q.Get("code"), q.Get("state")
}

func TestAuthCodeGrant_FullFlowWithPKCE(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, state := env.authorize(t, g, authorizeParams(url.Values{
		"client_id":             {"spa-1"},
		"redirect_uri":          {"https://spa.example.com/cb"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}))
	if state != "xyz" {
		t.Errorf("state = %q, want xyz", state)
	}

	resp := response.NewBearerTokenResponse()
	err := g.RespondToAccessTokenRequest(ctx, &Request{
		GrantType:    TypeAuthorizationCode,
		ClientID:     "spa-1",
		Code:         code,
		RedirectURI:  "https://spa.example.com/cb",
		CodeVerifier: verifier,
	}, resp, time.Hour)
	if err != nil {
		t.Fatalf("RespondToAccessTokenRequest() error = %v", err)
	}

	payload := resp.Build(env.now)
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		t.Error("expected access and refresh tokens")
	}
	token := resp.AccessToken()
	if token.UserID != "user-1" {
		t.Errorf("user = %q, want user-1", token.UserID)
	}
	if len(token.Scopes) != 1 || token.Scopes[0] != "read" {
		t.Errorf("scopes = %v, want [read]", token.Scopes)
	}
}

func TestAuthCodeGrant_PlainChallenge(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)

	verifier := strings.Repeat("v", 43)
	code, _ := env.authorize(t, g, authorizeParams(url.Values{
		"client_id":             {"spa-1"},
		"redirect_uri":          {"https://spa.example.com/cb"},
		"code_challenge":        {verifier},
		"code_challenge_method": {"plain"},
	}))

	err := g.RespondToAccessTokenRequest(context.Background(), &Request{
		GrantType:    TypeAuthorizationCode,
		ClientID:     "spa-1",
		Code:         code,
		RedirectURI:  "https://spa.example.com/cb",
		CodeVerifier: verifier,
	}, response.NewBearerTokenResponse(), time.Hour)
	if err != nil {
		t.Fatalf("RespondToAccessTokenRequest() error = %v", err)
	}
}

func TestAuthCodeGrant_NumericUserID(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)
	ctx := context.Background()

	// Codes minted by older deployments carry user_id as a JSON
	// number. They must still exchange.
	codeID := crypt.NewTokenID()
	err := env.store.PersistAuthCode(ctx, &entity.AuthCode{
		Token: entity.Token{
			ID:        codeID,
			ClientID:  "client-1",
			UserID:    "123",
			Scopes:    []string{"read"},
			IssuedAt:  env.now,
			ExpiresAt: env.now.Add(DefaultAuthCodeTTL),
		},
		RedirectURI: "https://app.example.com/callback",
	})
	if err != nil {
		t.Fatalf("PersistAuthCode() error = %v", err)
	}
	raw := fmt.Sprintf(
		`{"auth_code_id":%q,"client_id":"client-1","user_id":123,"redirect_uri":"https://app.example.com/callback","scopes":["read"],"expire_time":%d}`,
		codeID, env.now.Add(DefaultAuthCodeTTL).Unix())
	opaque, err := env.encryptor.Encrypt(raw)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	resp := response.NewBearerTokenResponse()
	err = g.RespondToAccessTokenRequest(ctx, &Request{
		GrantType:    TypeAuthorizationCode,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Code:         opaque,
		RedirectURI:  "https://app.example.com/callback",
	}, resp, time.Hour)
	if err != nil {
		t.Fatalf("RespondToAccessTokenRequest() error = %v", err)
	}
	if got := resp.AccessToken().UserID; got != "123" {
		t.Errorf("user = %q, want 123", got)
	}
}

func TestAuthCodeGrant_CodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, _ := env.authorize(t, g, authorizeParams(url.Values{
		"client_id":             {"spa-1"},
		"redirect_uri":          {"https://spa.example.com/cb"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}))

	req := &Request{
		GrantType:    TypeAuthorizationCode,
		ClientID:     "spa-1",
		Code:         code,
		RedirectURI:  "https://spa.example.com/cb",
		CodeVerifier: verifier,
	}
	if err := g.RespondToAccessTokenRequest(ctx, req, response.NewBearerTokenResponse(), time.Hour); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	err := g.RespondToAccessTokenRequest(ctx, req, response.NewBearerTokenResponse(), time.Hour)
	e := requireOAuthError(t, err, oautherr.NumInvalidGrant)
	if e.Hint != "Authorization code has been revoked" {
		t.Errorf("hint = %q", e.Hint)
	}
}

func TestAuthCodeGrant_ExchangeFailures(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, _ := env.authorize(t, g, authorizeParams(url.Values{
		"client_id":             {"spa-1"},
		"redirect_uri":          {"https://spa.example.com/cb"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}))

	tests := []struct {
		name        string
		mutate      func(req *Request)
		wantNumeric int
	}{
		{
			name:        "missing code",
			mutate:      func(req *Request) { req.Code = "" },
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "tampered code",
			mutate:      func(req *Request) { req.Code = "tampered-" + req.Code },
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "code presented by another client",
			mutate:      func(req *Request) { req.ClientID, req.ClientSecret = "client-1", "secret-1" },
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "redirect URI mismatch",
			mutate:      func(req *Request) { req.RedirectURI = "https://spa.example.com/alt" },
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "missing verifier",
			mutate:      func(req *Request) { req.CodeVerifier = "" },
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "wrong verifier",
			mutate:      func(req *Request) { req.CodeVerifier = oauth2.GenerateVerifier() },
			wantNumeric: oautherr.NumInvalidGrant,
		},
		{
			name:        "malformed verifier",
			mutate:      func(req *Request) { req.CodeVerifier = "too short!" },
			wantNumeric: oautherr.NumInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{
				GrantType:    TypeAuthorizationCode,
				ClientID:     "spa-1",
				Code:         code,
				RedirectURI:  "https://spa.example.com/cb",
				CodeVerifier: verifier,
			}
			tt.mutate(req)
			err := g.RespondToAccessTokenRequest(ctx, req, response.NewBearerTokenResponse(), time.Hour)
			requireOAuthError(t, err, tt.wantNumeric)
		})
	}
}

func TestAuthCodeGrant_ExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	g := newAttachedAuthCode(env)

	verifier := oauth2.GenerateVerifier()
	code, _ := env.authorize(t, g, authorizeParams(url.Values{
		"client_id":             {"spa-1"},
		"redirect_uri":          {"https://spa.example.com/cb"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}))

	env.now = env.now.Add(DefaultAuthCodeTTL + time.Second)

	err := g.RespondToAccessTokenRequest(context.Background(), &Request{
		GrantType:    TypeAuthorizationCode,
		ClientID:     "spa-1",
		Code:         code,
		RedirectURI:  "https://spa.example.com/cb",
		CodeVerifier: verifier,
	}, response.NewBearerTokenResponse(), time.Hour)
	e := requireOAuthError(t, err, oautherr.NumInvalidGrant)
	if e.Hint != "Authorization code has expired" {
		t.Errorf("hint = %q", e.Hint)
	}
}

func TestResolveRedirectURI(t *testing.T) {
	single := &entity.Client{RedirectURIs: []string{"https://a.example.com/cb"}}
	multi := &entity.Client{RedirectURIs: []string{"https://a.example.com/cb", "https://b.example.com/cb"}}

	uri, err := resolveRedirectURI(single, "")
	if err != nil || uri != "https://a.example.com/cb" {
		t.Errorf("resolveRedirectURI(single, empty) = %q, %v", uri, err)
	}
	if _, err := resolveRedirectURI(multi, ""); err == nil {
		t.Error("expected error for ambiguous omitted redirect URI")
	}
	if _, err := resolveRedirectURI(single, "https://other.example.com/"); err == nil {
		t.Error("expected error for unregistered redirect URI")
	}
}
