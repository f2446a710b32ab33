// Package oauth provides an OAuth 2.0 authorization server: grant
// state machines, token issuance and revocation, and a thin HTTP
// handler binding them to the standard endpoints.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/grant"
	"github.com/authkit/oauth2-server/instrumentation"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
	"github.com/authkit/oauth2-server/security"
	"github.com/authkit/oauth2-server/server"
)

// AuthorizeApprover authenticates the resource owner for a validated
// authorization request. Implementations set ar.User and ar.Approved.
// Returning handled=true means the approver wrote the HTTP response
// itself, typically a redirect to a login or consent page.
type AuthorizeApprover func(w http.ResponseWriter, r *http.Request, ar *entity.AuthorizationRequest) (handled bool, err error)

// Handler exposes an AuthorizationServer over HTTP.
type Handler struct {
	srv         *server.AuthorizationServer
	config      *Config
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
	auditor     *security.Auditor
	tracer      trace.Tracer
	approver    AuthorizeApprover
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(srv *server.AuthorizationServer, config *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	h := &Handler{
		srv:     srv,
		config:  config,
		logger:  config.Logger,
		auditor: security.NewAuditor(config.Logger, config.EnableAuditLogging),
		tracer:  noop.NewTracerProvider().Tracer("oauth"),
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}
	return h, nil
}

// SetAuthorizeApprover installs the resource owner authentication hook
// used by the authorization endpoint. Without one, authorization
// requests fail with server_error.
func (h *Handler) SetAuthorizeApprover(approver AuthorizeApprover) {
	h.approver = approver
}

// SetInstrumentation enables tracing of HTTP requests.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("handler")
}

// Stop releases background resources held by the handler.
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes mounts the OAuth endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorize)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeRevocation)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
}

// ServeToken handles the token endpoint (RFC 6749 section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.checkIPRateLimit(ctx, w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(ctx, w, span, oautherr.InvalidRequest("grant_type").WithHint("Malformed request body"))
		return
	}

	req := grant.ParseRequest(r.PostForm)
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}
	instrumentation.AddGrantAttributes(span, req.GrantType, req.ClientID)

	resp, err := h.srv.RespondToAccessTokenRequest(ctx, req)
	if err != nil {
		h.writeError(ctx, w, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp.Build(time.Now()))
}

// ServeAuthorize handles the authorization endpoint (RFC 6749 section
// 3.1). The installed AuthorizeApprover authenticates the resource
// owner and records the approval decision.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if !h.checkIPRateLimit(ctx, w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(ctx, w, span, oautherr.InvalidRequest("response_type").WithHint("Malformed request"))
		return
	}

	ar, err := h.srv.ValidateAuthorizationRequest(ctx, r.Form)
	if err != nil {
		h.writeError(ctx, w, span, err)
		return
	}
	instrumentation.AddGrantAttributes(span, ar.GrantTypeID, ar.Client.ID)

	if h.approver == nil {
		h.writeError(ctx, w, span, oautherr.ServerError("No authorize approver configured"))
		return
	}
	handled, err := h.approver(w, r, ar)
	if err != nil {
		h.writeError(ctx, w, span, err)
		return
	}
	if handled {
		return
	}

	redirect, err := h.srv.CompleteAuthorizationRequest(ctx, ar)
	if err != nil {
		if e := oautherr.As(err); e.RedirectURI != "" {
			instrumentation.RecordError(span, e)
			h.redirectError(w, r, e, ar.State)
			return
		}
		h.writeError(ctx, w, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect.URI, http.StatusFound)
}

// ServeRevocation handles the token revocation endpoint (RFC 7009).
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.revoke")
	defer span.End()

	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.checkIPRateLimit(ctx, w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(ctx, w, span, oautherr.InvalidRequest("token").WithHint("Malformed request body"))
		return
	}

	req := &server.RevocationRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientID:      r.PostForm.Get("client_id"),
		ClientSecret:  r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	if err := h.srv.RevokeToken(ctx, req); err != nil {
		h.writeError(ctx, w, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata handles the metadata endpoint
// (RFC 8414).
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "oauth.http.metadata")
	defer span.End()

	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	issuer := h.config.Issuer
	metadata := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"grant_types_supported":                 h.srv.GrantTypes(),
		"response_types_supported":              h.srv.ResponseTypes(),
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":      []string{"plain", "S256"},
	}
	if len(h.config.SupportedScopes) > 0 {
		metadata["scopes_supported"] = h.config.SupportedScopes
	}

	instrumentation.SetSpanSuccess(span)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(metadataCacheMaxAge.Seconds())))
	h.writeJSON(w, http.StatusOK, metadata)
}

// checkIPRateLimit enforces per-IP limits. Returns false after writing
// a 429 response when the caller is over limit.
func (h *Handler) checkIPRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	ip := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if h.rateLimiter.Allow(ip) {
		return true
	}
	h.auditor.LogRateLimitExceeded(ctx, ip)
	w.Header().Set("Retry-After", "1")
	h.writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":             "rate_limit_exceeded",
		"error_description": "Too many requests, slow down",
	})
	return false
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, span trace.Span, err error) {
	e := oautherr.As(err)
	instrumentation.RecordError(span, e)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrError, e.Code),
		attribute.Int(instrumentation.AttrHTTPStatusCode, e.Status),
	)

	if e.Status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "Request failed", "error", e.Error(), "status", e.Status)
	} else {
		h.logger.DebugContext(ctx, "Request rejected", "error", e.Code, "status", e.Status)
	}
	if e.Status == http.StatusUnauthorized && e.Code == oautherr.CodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}
	h.writeJSON(w, e.Status, e.ToPayload())
}

// redirectError returns a front-channel error to the client's redirect
// URI (RFC 6749 section 4.1.2.1).
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, e *oautherr.Error, state string) {
	params := url.Values{}
	params.Set("error", e.Code)
	params.Set("error_description", e.Description)
	if e.Hint != "" {
		params.Set("hint", e.Hint)
	}
	if state != "" {
		params.Set("state", state)
	}
	uri, err := response.MakeRedirectURI(e.RedirectURI, params, false)
	if err != nil {
		h.writeJSON(w, e.Status, e.ToPayload())
		return
	}
	http.Redirect(w, r, uri, http.StatusFound)
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error":             "invalid_request",
		"error_description": "Method not allowed",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
