package grant

import (
	"context"
	"testing"
	"time"

	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/response"
)

func TestClientCredentialsGrant_Success(t *testing.T) {
	env := newTestEnv(t)
	g := NewClientCredentials()
	g.Attach(env.core)

	resp := response.NewBearerTokenResponse()
	err := g.RespondToAccessTokenRequest(context.Background(), &Request{
		GrantType:    TypeClientCredentials,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Scope:        "read write",
	}, resp, time.Hour)
	if err != nil {
		t.Fatalf("RespondToAccessTokenRequest() error = %v", err)
	}

	payload := resp.Build(env.now)
	if payload.AccessToken == "" {
		t.Error("expected an access token")
	}
	// Machine tokens have nothing to refresh.
	if payload.RefreshToken != "" {
		t.Errorf("refresh_token = %q, want empty", payload.RefreshToken)
	}
	if payload.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", payload.ExpiresIn)
	}
	if resp.AccessToken().UserID != "" {
		t.Errorf("user = %q, want empty", resp.AccessToken().UserID)
	}
}

func TestClientCredentialsGrant_Failures(t *testing.T) {
	env := newTestEnv(t)
	g := NewClientCredentials()
	g.Attach(env.core)

	tests := []struct {
		name        string
		req         *Request
		wantNumeric int
	}{
		{
			name:        "missing client_id",
			req:         &Request{GrantType: TypeClientCredentials},
			wantNumeric: oautherr.NumInvalidRequest,
		},
		{
			name:        "unknown client",
			req:         &Request{GrantType: TypeClientCredentials, ClientID: "nope", ClientSecret: "x"},
			wantNumeric: oautherr.NumInvalidClient,
		},
		{
			name:        "wrong secret",
			req:         &Request{GrantType: TypeClientCredentials, ClientID: "client-1", ClientSecret: "wrong"},
			wantNumeric: oautherr.NumInvalidClient,
		},
		{
			name:        "public client",
			req:         &Request{GrantType: TypeClientCredentials, ClientID: "spa-1"},
			wantNumeric: oautherr.NumInvalidClient,
		},
		{
			name: "unknown scope",
			req: &Request{
				GrantType: TypeClientCredentials, ClientID: "client-1", ClientSecret: "secret-1",
				Scope: "admin",
			},
			wantNumeric: oautherr.NumInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.RespondToAccessTokenRequest(context.Background(), tt.req, response.NewBearerTokenResponse(), time.Hour)
			requireOAuthError(t, err, tt.wantNumeric)
		})
	}
}
