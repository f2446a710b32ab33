package grant

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/authkit/oauth2-server/crypt"
	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/oautherr"
	"github.com/authkit/oauth2-server/storage/memory"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// testPrivateKey returns a process-wide RSA key so each test does not
// pay for key generation.
func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

type testEnv struct {
	core      *Core
	store     *memory.Store
	encryptor *crypt.Encryptor
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	key, err := crypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	encryptor, err := crypt.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	signer, err := crypt.NewSigner(testPrivateKey(t), "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	if err := store.AddClient(&entity.Client{
		ID:           "client-1",
		Name:         "Test App",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Confidential: true,
	}, "secret-1"); err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	if err := store.AddClient(&entity.Client{
		ID:           "spa-1",
		Name:         "Test SPA",
		RedirectURIs: []string{"https://spa.example.com/cb", "https://spa.example.com/alt"},
	}, ""); err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	store.AddScope(&entity.Scope{ID: "read", Description: "Read access"})
	store.AddScope(&entity.Scope{ID: "write", Description: "Write access"})
	if err := store.AddUser(&entity.User{ID: "user-1", Email: "alice@example.com"}, "alice", "password123"); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}

	env := &testEnv{
		store:     store,
		encryptor: encryptor,
		now:       time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
	}
	env.core = &Core{
		Clients:         store,
		Scopes:          store,
		AccessTokens:    store,
		AuthCodes:       store,
		RefreshTokens:   store,
		Users:           store,
		Signer:          signer,
		Encryptor:       encryptor,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		RefreshTokenTTL: 30 * 24 * time.Hour,
		Now:             func() time.Time { return env.now },
	}
	return env
}

// mintRefreshToken persists a refresh token pair and returns its
// encrypted wire form, as if it had been issued by a prior grant.
func (env *testEnv) mintRefreshToken(t *testing.T, clientID, userID string, scopes []string, expiresAt time.Time) (opaque, refreshTokenID, accessTokenID string) {
	t.Helper()
	ctx := context.Background()

	accessTokenID = crypt.NewTokenID()
	refreshTokenID = crypt.NewTokenID()
	err := env.store.PersistAccessToken(ctx, &entity.AccessToken{Token: entity.Token{
		ID:        accessTokenID,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  env.now,
		ExpiresAt: expiresAt,
	}})
	if err != nil {
		t.Fatalf("PersistAccessToken() error = %v", err)
	}
	err = env.store.PersistRefreshToken(ctx, &entity.RefreshToken{
		Token: entity.Token{
			ID:        refreshTokenID,
			ClientID:  clientID,
			UserID:    userID,
			Scopes:    scopes,
			IssuedAt:  env.now,
			ExpiresAt: expiresAt,
		},
		AccessTokenID: accessTokenID,
	})
	if err != nil {
		t.Fatalf("PersistRefreshToken() error = %v", err)
	}

	payload, err := json.Marshal(refreshTokenPayload{
		ClientID:       clientID,
		RefreshTokenID: refreshTokenID,
		AccessTokenID:  accessTokenID,
		Scopes:         scopes,
		UserID:         subjectID(userID),
		ExpireTime:     expiresAt.Unix(),
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	opaque, err = env.encryptor.Encrypt(string(payload))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return opaque, refreshTokenID, accessTokenID
}

// requireOAuthError asserts err is an oautherr.Error with the given
// legacy numeric code.
func requireOAuthError(t *testing.T, err error, numeric int) *oautherr.Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	var e *oautherr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *oautherr.Error, got %T: %v", err, err)
	}
	if e.Numeric != numeric {
		t.Fatalf("numeric code = %d, want %d (error: %v)", e.Numeric, numeric, e)
	}
	return e
}
