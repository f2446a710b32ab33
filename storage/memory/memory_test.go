package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	return store
}

func TestClientLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.AddClient(&entity.Client{
		ID:           "client-1",
		Name:         "Test App",
		Confidential: true,
	}, "secret-1")
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}

	client, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if client.Name != "Test App" {
		t.Errorf("Name = %q", client.Name)
	}
	if len(client.SecretHash) == 0 {
		t.Error("secret was not hashed")
	}

	// The store hands out copies.
	client.Name = "mutated"
	again, _ := store.GetClient(ctx, "client-1")
	if again.Name != "Test App" {
		t.Error("GetClient() returned a shared pointer")
	}

	if _, err := store.GetClient(ctx, "missing"); err != repository.ErrNotFound {
		t.Errorf("GetClient(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.AddClient(nil, ""); err == nil {
		t.Error("AddClient(nil) must fail")
	}
	if err := store.AddClient(&entity.Client{}, ""); err == nil {
		t.Error("AddClient without ID must fail")
	}
}

func TestValidateClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.AddClient(&entity.Client{
		ID:                "confidential",
		Confidential:      true,
		AllowedGrantTypes: []string{"client_credentials"},
	}, "secret")
	store.AddClient(&entity.Client{ID: "public"}, "")

	tests := []struct {
		name      string
		clientID  string
		secret    string
		grantType string
		want      bool
	}{
		{"valid secret", "confidential", "secret", "client_credentials", true},
		{"wrong secret", "confidential", "nope", "client_credentials", false},
		{"empty secret for confidential client", "confidential", "", "client_credentials", false},
		{"disallowed grant type", "confidential", "secret", "password", false},
		{"no grant type check", "confidential", "secret", "", true},
		{"unknown client", "ghost", "secret", "", false},
		{"public client with empty secret", "public", "", "authorization_code", true},
		{"public client must not send a secret", "public", "anything", "authorization_code", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := store.ValidateClient(ctx, tt.clientID, tt.secret, tt.grantType); got != tt.want {
				t.Errorf("ValidateClient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.AddScope(&entity.Scope{ID: "read", Description: "Read access"})

	scope, err := store.GetScopeByIdentifier(ctx, "read")
	if err != nil {
		t.Fatalf("GetScopeByIdentifier() error = %v", err)
	}
	if scope.Description != "Read access" {
		t.Errorf("Description = %q", scope.Description)
	}

	if _, err := store.GetScopeByIdentifier(ctx, "missing"); err != repository.ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	finalized, err := store.FinalizeScopes(ctx, []entity.Scope{{ID: "read"}}, "client_credentials", nil, "")
	if err != nil || len(finalized) != 1 {
		t.Errorf("FinalizeScopes() = %v, %v", finalized, err)
	}
}

func TestUserCredentials(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddUser(&entity.User{ID: "user-1", Email: "alice@example.com"}, "alice", "password123"); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}

	user, err := store.GetUserByCredentials(ctx, "alice", "password123", "password", nil)
	if err != nil {
		t.Fatalf("GetUserByCredentials() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("ID = %q", user.ID)
	}

	if _, err := store.GetUserByCredentials(ctx, "alice", "wrong", "password", nil); err != repository.ErrNotFound {
		t.Errorf("wrong password error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetUserByCredentials(ctx, "mallory", "password123", "password", nil); err != repository.ErrNotFound {
		t.Errorf("unknown user error = %v, want ErrNotFound", err)
	}
}

func TestTokenRevocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	t.Run("access tokens", func(t *testing.T) {
		store.PersistAccessToken(ctx, &entity.AccessToken{Token: entity.Token{ID: "at-1", ExpiresAt: expiry}})

		if revoked, _ := store.IsAccessTokenRevoked(ctx, "at-1"); revoked {
			t.Error("fresh token reported revoked")
		}
		store.RevokeAccessToken(ctx, "at-1")
		if revoked, _ := store.IsAccessTokenRevoked(ctx, "at-1"); !revoked {
			t.Error("revoked token reported valid")
		}
	})

	t.Run("auth codes", func(t *testing.T) {
		store.PersistAuthCode(ctx, &entity.AuthCode{Token: entity.Token{ID: "ac-1", ExpiresAt: expiry}})

		if revoked, _ := store.IsAuthCodeRevoked(ctx, "ac-1"); revoked {
			t.Error("fresh code reported revoked")
		}
		store.RevokeAuthCode(ctx, "ac-1")
		if revoked, _ := store.IsAuthCodeRevoked(ctx, "ac-1"); !revoked {
			t.Error("revoked code reported valid")
		}
	})

	t.Run("refresh tokens", func(t *testing.T) {
		store.PersistRefreshToken(ctx, &entity.RefreshToken{Token: entity.Token{ID: "rt-1", ExpiresAt: expiry}})

		if revoked, _ := store.IsRefreshTokenRevoked(ctx, "rt-1"); revoked {
			t.Error("fresh token reported revoked")
		}
		store.RevokeRefreshToken(ctx, "rt-1")
		if revoked, _ := store.IsRefreshTokenRevoked(ctx, "rt-1"); !revoked {
			t.Error("revoked token reported valid")
		}
	})

	t.Run("unknown tokens count as revoked", func(t *testing.T) {
		if revoked, _ := store.IsAccessTokenRevoked(ctx, "ghost"); !revoked {
			t.Error("unknown access token reported valid")
		}
		if revoked, _ := store.IsAuthCodeRevoked(ctx, "ghost"); !revoked {
			t.Error("unknown auth code reported valid")
		}
		if revoked, _ := store.IsRefreshTokenRevoked(ctx, "ghost"); !revoked {
			t.Error("unknown refresh token reported valid")
		}
	})
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Past expiry and past the retention window.
	ancient := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(time.Hour)

	store.PersistAccessToken(ctx, &entity.AccessToken{Token: entity.Token{ID: "old", ExpiresAt: ancient}})
	store.PersistAccessToken(ctx, &entity.AccessToken{Token: entity.Token{ID: "new", ExpiresAt: recent}})

	store.cleanupExpired()

	store.mu.RLock()
	_, oldExists := store.accessTokens["old"]
	_, newExists := store.accessTokens["new"]
	store.mu.RUnlock()

	if oldExists {
		t.Error("expired record survived cleanup")
	}
	if !newExists {
		t.Error("live record was cleaned up")
	}

	// The dropped record still counts as revoked.
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "old"); !revoked {
		t.Error("cleaned-up token reported valid")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("at-%d", n)
			store.PersistAccessToken(ctx, &entity.AccessToken{Token: entity.Token{
				ID:        id,
				ExpiresAt: time.Now().Add(time.Hour),
			}})
			store.IsAccessTokenRevoked(ctx, id)
			store.RevokeAccessToken(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("at-%d", i)
		if revoked, _ := store.IsAccessTokenRevoked(ctx, id); !revoked {
			t.Errorf("token %s not revoked", id)
		}
	}
}
