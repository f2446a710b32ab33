// Package server implements the authorization server: it owns the
// enabled grants, dispatches token and authorization requests to
// them, and handles token revocation.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/authkit/oauth2-server/crypt"
	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/grant"
	"github.com/authkit/oauth2-server/instrumentation"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/repository"
	"github.com/authkit/oauth2-server/response"
	"github.com/authkit/oauth2-server/security"
)

// Repositories bundles the persistence interfaces the server hands to
// its grants. Users is only needed when the password grant is enabled.
type Repositories struct {
	Clients       repository.ClientRepository
	Scopes        repository.ScopeRepository
	AccessTokens  repository.AccessTokenRepository
	AuthCodes     repository.AuthCodeRepository
	RefreshTokens repository.RefreshTokenRepository
	Users         repository.UserRepository
}

// enabledGrant pairs a grant with the access token TTL it was enabled
// with.
type enabledGrant struct {
	grant          grant.Grant
	accessTokenTTL time.Duration
}

// AuthorizationServer coordinates grants, repositories, and crypto.
// Grants are enabled during setup; the server is safe for concurrent
// request handling afterwards.
type AuthorizationServer struct {
	repos     Repositories
	signer    *crypt.Signer
	encryptor *crypt.Encryptor
	core      *grant.Core
	config    *Config

	grants []enabledGrant

	// newResponseType builds the response object handed to grants.
	// Replaceable to extend the token payload.
	newResponseType func() response.TokenResponse

	Auditor *security.Auditor
	Logger  *slog.Logger

	inst *instrumentation.Instrumentation
}

// New creates an authorization server.
func New(repos Repositories, signer *crypt.Signer, encryptor *crypt.Encryptor, config *Config, logger *slog.Logger) (*AuthorizationServer, error) {
	if repos.Clients == nil {
		return nil, fmt.Errorf("client repository is required")
	}
	if repos.Scopes == nil {
		return nil, fmt.Errorf("scope repository is required")
	}
	if repos.AccessTokens == nil {
		return nil, fmt.Errorf("access token repository is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer != "" && config.Issuer != signer.Issuer() {
		return nil, fmt.Errorf("config issuer %q does not match signer issuer %q", config.Issuer, signer.Issuer())
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	srv := &AuthorizationServer{
		repos:     repos,
		signer:    signer,
		encryptor: encryptor,
		config:    config,
		Logger:    logger,
	}
	srv.newResponseType = func() response.TokenResponse {
		return response.NewBearerTokenResponse()
	}
	srv.core = &grant.Core{
		Clients:         repos.Clients,
		Scopes:          repos.Scopes,
		AccessTokens:    repos.AccessTokens,
		AuthCodes:       repos.AuthCodes,
		RefreshTokens:   repos.RefreshTokens,
		Users:           repos.Users,
		Signer:          signer,
		Encryptor:       encryptor,
		Logger:          logger,
		RefreshTokenTTL: config.RefreshTokenTTL,
		Now:             config.Now,
	}

	return srv, nil
}

// SetAuditor sets the security auditor.
func (s *AuthorizationServer) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *AuthorizationServer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// SetResponseTypeFactory replaces the response type handed to grants,
// allowing embedders to extend the token payload.
func (s *AuthorizationServer) SetResponseTypeFactory(f func() response.TokenResponse) {
	if f != nil {
		s.newResponseType = f
	}
}

// NewResponseType builds a fresh response object for one request.
func (s *AuthorizationServer) NewResponseType() response.TokenResponse {
	return s.newResponseType()
}

// EnableGrantType enables a grant with the given access token TTL. A
// zero TTL uses the config default. Enabling the same grant type again
// replaces the earlier registration.
func (s *AuthorizationServer) EnableGrantType(g grant.Grant, accessTokenTTL time.Duration) error {
	switch g.ID() {
	case grant.TypeAuthorizationCode:
		if s.repos.AuthCodes == nil {
			return fmt.Errorf("auth code repository is required for the %s grant", g.ID())
		}
		if s.repos.RefreshTokens == nil {
			return fmt.Errorf("refresh token repository is required for the %s grant", g.ID())
		}
	case grant.TypeRefreshToken:
		if s.repos.RefreshTokens == nil {
			return fmt.Errorf("refresh token repository is required for the %s grant", g.ID())
		}
	case grant.TypePassword:
		if s.repos.Users == nil {
			return fmt.Errorf("user repository is required for the %s grant", g.ID())
		}
		if s.repos.RefreshTokens == nil {
			return fmt.Errorf("refresh token repository is required for the %s grant", g.ID())
		}
	}

	if accessTokenTTL <= 0 {
		accessTokenTTL = s.config.DefaultAccessTokenTTL
	}

	g.Attach(s.core)

	for i, eg := range s.grants {
		if eg.grant.ID() == g.ID() {
			s.grants[i] = enabledGrant{grant: g, accessTokenTTL: accessTokenTTL}
			return nil
		}
	}
	s.grants = append(s.grants, enabledGrant{grant: g, accessTokenTTL: accessTokenTTL})

	s.Logger.Info("Enabled grant type", "grant_type", g.ID(), "access_token_ttl", accessTokenTTL)
	return nil
}

// GrantTypes returns the enabled grant type identifiers, in enable
// order. Used for server metadata.
func (s *AuthorizationServer) GrantTypes() []string {
	ids := make([]string, 0, len(s.grants))
	for _, eg := range s.grants {
		if eg.grant.ID() == grant.TypeImplicit {
			continue
		}
		ids = append(ids, eg.grant.ID())
	}
	return ids
}

// ResponseTypes returns the response types served by the enabled
// grants.
func (s *AuthorizationServer) ResponseTypes() []string {
	var types []string
	for _, eg := range s.grants {
		switch eg.grant.ID() {
		case grant.TypeAuthorizationCode:
			types = append(types, "code")
		case grant.TypeImplicit:
			types = append(types, "token")
		}
	}
	return types
}

// RespondToAccessTokenRequest dispatches a token endpoint request to
// the first enabled grant that can handle it.
func (s *AuthorizationServer) RespondToAccessTokenRequest(ctx context.Context, req *grant.Request) (response.TokenResponse, error) {
	start := time.Now()

	for _, eg := range s.grants {
		if !eg.grant.CanRespondToAccessTokenRequest(req) {
			continue
		}

		resp := s.newResponseType()
		err := eg.grant.RespondToAccessTokenRequest(ctx, req, resp, eg.accessTokenTTL)
		s.recordTokenRequest(ctx, eg.grant.ID(), err, time.Since(start))
		if err != nil {
			s.auditGrantFailure(ctx, eg.grant.ID(), req.ClientID, err)
			return nil, err
		}

		s.auditGrantSuccess(ctx, eg.grant.ID(), req.ClientID)
		return resp, nil
	}

	s.recordTokenRequest(ctx, req.GrantType, oautherr.UnsupportedGrantType(), time.Since(start))
	return nil, oautherr.UnsupportedGrantType()
}

// ValidateAuthorizationRequest dispatches authorization endpoint
// parameters to the first enabled grant that serves the requested
// response type.
func (s *AuthorizationServer) ValidateAuthorizationRequest(ctx context.Context, params url.Values) (*entity.AuthorizationRequest, error) {
	for _, eg := range s.grants {
		ag, ok := eg.grant.(grant.AuthorizationGrant)
		if !ok || !ag.CanRespondToAuthorizationRequest(params) {
			continue
		}
		return ag.ValidateAuthorizationRequest(ctx, params)
	}
	return nil, oautherr.UnsupportedGrantType()
}

// CompleteAuthorizationRequest completes a pending authorization
// request after the resource owner has been authenticated and has
// approved or denied it.
func (s *AuthorizationServer) CompleteAuthorizationRequest(ctx context.Context, ar *entity.AuthorizationRequest) (*response.Redirect, error) {
	for _, eg := range s.grants {
		ag, ok := eg.grant.(grant.AuthorizationGrant)
		if !ok || eg.grant.ID() != ar.GrantTypeID {
			continue
		}
		redirect, err := ag.CompleteAuthorizationRequest(ctx, ar, eg.accessTokenTTL)
		if err != nil {
			s.auditGrantFailure(ctx, ar.GrantTypeID, clientIDOf(ar), err)
			return nil, err
		}
		return redirect, nil
	}
	return nil, oautherr.UnsupportedGrantType()
}

// VerifyAccessToken checks a bearer token's signature, expiry, and
// revocation state.
func (s *AuthorizationServer) VerifyAccessToken(ctx context.Context, raw string) (*crypt.AccessTokenClaims, error) {
	claims, err := s.signer.VerifyAccessToken(raw)
	if err != nil {
		return nil, oautherr.AccessDenied().WithCause(err)
	}

	revoked, err := s.repos.AccessTokens.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, oautherr.ServerError("").WithCause(err)
	}
	if revoked {
		return nil, oautherr.AccessDenied().WithHint("Access token has been revoked")
	}

	return claims, nil
}

func (s *AuthorizationServer) recordTokenRequest(ctx context.Context, grantType string, err error, elapsed time.Duration) {
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		s.inst.Metrics().RecordGrantError(ctx, grantType, oautherr.As(err).Code)
	}
	s.inst.Metrics().RecordTokenRequest(ctx, grantType, result, float64(elapsed.Milliseconds()))
}

func (s *AuthorizationServer) auditGrantSuccess(ctx context.Context, grantType, clientID string) {
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(ctx, grantType, clientID)
	}
}

func (s *AuthorizationServer) auditGrantFailure(ctx context.Context, grantType, clientID string, err error) {
	if s.Auditor != nil {
		s.Auditor.LogGrantFailure(ctx, grantType, clientID, oautherr.As(err).Code)
	}
}

func clientIDOf(ar *entity.AuthorizationRequest) string {
	if ar.Client != nil {
		return ar.Client.ID
	}
	return ""
}
