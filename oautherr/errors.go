// Package oautherr defines the OAuth 2.0 error taxonomy shared by the
// grants, the authorization server, and the HTTP handler. Every error
// carries the RFC 6749 error code string, an HTTP status, and a stable
// numeric code kept for API compatibility with older deployments.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidScope         = "invalid_scope"
	CodeInvalidCredentials   = "invalid_credentials"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeServerError          = "server_error"
	CodeAccessDenied         = "access_denied"
	CodeInvalidRedirectURI   = "invalid_redirect_uri"
	CodeUnsupportedResponse  = "unsupported_response_type"
)

// Numeric codes preserved from the legacy API surface. Clients built
// against the previous generation of this server key on these values,
// so they are part of the wire contract.
const (
	NumUnsupportedGrantType = 2
	NumInvalidRequest       = 3
	NumInvalidClient        = 4
	NumInvalidScope         = 5
	NumInvalidCredentials   = 6
	NumServerError          = 7
	NumInvalidRefreshToken  = 8
	NumAccessDenied         = 9
	NumInvalidGrant         = 10
)

// Error represents an OAuth 2.0 error response.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Hint        string // Optional hint surfaced in the error payload
	Status      int    // HTTP status code
	Numeric     int    // Legacy numeric code
	RedirectURI string // Set when the error must be returned via redirect
	cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Description, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithHint returns a copy of the error carrying the given hint.
func (e *Error) WithHint(format string, args ...any) *Error {
	c := *e
	c.Hint = fmt.Sprintf(format, args...)
	return &c
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// WithRedirect returns a copy of the error that should be delivered to
// the client via redirect instead of a JSON body.
func (e *Error) WithRedirect(uri string) *Error {
	c := *e
	c.RedirectURI = uri
	return &c
}

// New creates an OAuth error with the given code, description, HTTP
// status, and legacy numeric code.
func New(code, description string, status, numeric int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
		Numeric:     numeric,
	}
}

// Constructors for the error taxonomy. Each produces a fresh instance
// so callers can attach hints and causes without racing.
var (
	// InvalidRequest indicates the request is missing a required
	// parameter or is otherwise malformed.
	InvalidRequest = func(param string) *Error {
		return New(CodeInvalidRequest,
			fmt.Sprintf("The request is missing a required parameter, includes an invalid parameter value, includes a parameter more than once, or is otherwise malformed. Check the \"%s\" parameter.", param),
			http.StatusBadRequest, NumInvalidRequest)
	}

	// InvalidClient indicates client authentication failed.
	InvalidClient = func() *Error {
		return New(CodeInvalidClient, "Client authentication failed", http.StatusUnauthorized, NumInvalidClient)
	}

	// InvalidScope indicates a requested scope is unknown or not
	// permitted for the client.
	InvalidScope = func(scope string) *Error {
		e := New(CodeInvalidScope, "The requested scope is invalid, unknown, or malformed", http.StatusBadRequest, NumInvalidScope)
		if scope != "" {
			e.Hint = fmt.Sprintf("Check the \"%s\" scope", scope)
		}
		return e
	}

	// InvalidCredentials indicates resource owner authentication
	// failed during the password grant.
	InvalidCredentials = func() *Error {
		return New(CodeInvalidCredentials, "The user credentials were incorrect", http.StatusUnauthorized, NumInvalidCredentials)
	}

	// InvalidGrant indicates the authorization grant (code, refresh
	// token, or credentials) is invalid, expired, or revoked.
	InvalidGrant = func(hint string) *Error {
		e := New(CodeInvalidGrant,
			"The provided authorization grant (e.g., authorization code, resource owner credentials) or refresh token is invalid, expired, revoked, does not match the redirection URI used in the authorization request, or was issued to another client",
			http.StatusBadRequest, NumInvalidGrant)
		e.Hint = hint
		return e
	}

	// InvalidRefreshToken indicates the presented refresh token failed
	// validation. On the wire this is "invalid_grant"; the numeric code
	// distinguishes it for legacy clients.
	InvalidRefreshToken = func(hint string) *Error {
		e := New(CodeInvalidGrant, "The refresh token is invalid", http.StatusUnauthorized, NumInvalidRefreshToken)
		e.Hint = hint
		return e
	}

	// UnauthorizedClient indicates the client is not allowed to use
	// the requested grant type.
	UnauthorizedClient = func() *Error {
		return New(CodeUnauthorizedClient, "The authenticated client is not authorized to use this authorization grant type", http.StatusBadRequest, NumInvalidClient)
	}

	// UnsupportedGrantType indicates no enabled grant can serve the
	// request.
	UnsupportedGrantType = func() *Error {
		e := New(CodeUnsupportedGrantType, "The authorization grant type is not supported by the authorization server", http.StatusBadRequest, NumUnsupportedGrantType)
		e.Hint = "Check that all required parameters have been provided"
		return e
	}

	// UnsupportedResponseType indicates the response_type is not
	// supported by any enabled grant.
	UnsupportedResponseType = func() *Error {
		return New(CodeUnsupportedResponse, "The authorization server does not support obtaining an authorization code using this method", http.StatusBadRequest, NumUnsupportedGrantType)
	}

	// ServerError indicates an unexpected internal failure.
	ServerError = func(hint string) *Error {
		e := New(CodeServerError, "The authorization server encountered an unexpected condition which prevented it from fulfilling the request", http.StatusInternalServerError, NumServerError)
		e.Hint = hint
		return e
	}

	// AccessDenied indicates the resource owner or the server denied
	// the request.
	AccessDenied = func() *Error {
		return New(CodeAccessDenied, "The resource owner or authorization server denied the request", http.StatusUnauthorized, NumAccessDenied)
	}

	// InvalidRedirectURI indicates the redirect URI is not registered
	// for the client.
	InvalidRedirectURI = func() *Error {
		return New(CodeInvalidRedirectURI, "Invalid redirect URI", http.StatusBadRequest, NumInvalidClient)
	}
)

// Payload is the JSON shape written for error responses.
type Payload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Hint             string `json:"hint,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ToPayload converts the error into its wire representation.
func (e *Error) ToPayload() Payload {
	return Payload{
		Error:            e.Code,
		ErrorDescription: e.Description,
		Hint:             e.Hint,
		Message:          e.Description,
	}
}

// As extracts an *Error from err, or wraps err as a server error so
// handlers always have a well-formed OAuth error to write.
func As(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ServerError("").WithCause(err)
}
