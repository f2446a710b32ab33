// Package memory provides an in-memory implementation of all
// repository interfaces. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authkit/oauth2-server/entity"
	"github.com/authkit/oauth2-server/instrumentation"
	"github.com/authkit/oauth2-server/repository"
)

// tokenIDLogLength is the number of characters of a token ID included
// in log lines.
const tokenIDLogLength = 8

// tokenRecord tracks one issued token artifact and its revocation
// state.
type tokenRecord struct {
	expiresAt time.Time
	revoked   bool
}

// userRecord pairs a user with their bcrypt password hash.
type userRecord struct {
	user         entity.User
	passwordHash []byte
}

// Store is an in-memory implementation of all repository interfaces.
type Store struct {
	mu sync.RWMutex

	clients map[string]*entity.Client
	scopes  map[string]*entity.Scope
	users   map[string]*userRecord // keyed by username

	accessTokens  map[string]*tokenRecord
	authCodes     map[string]*tokenRecord
	refreshTokens map[string]*tokenRecord

	// Instrumentation
	inst *instrumentation.Instrumentation

	// Atomic counters for lock-free gauge callbacks
	accessTokensCount  atomic.Int64
	authCodesCount     atomic.Int64
	refreshTokensCount atomic.Int64
	clientsCount       atomic.Int64

	// Cleanup
	cleanupInterval  time.Duration
	revokedRetention time.Duration
	stopCleanup      chan struct{}
	logger           *slog.Logger
}

// Compile-time interface checks.
var (
	_ repository.ClientRepository       = (*Store)(nil)
	_ repository.ScopeRepository        = (*Store)(nil)
	_ repository.AccessTokenRepository  = (*Store)(nil)
	_ repository.AuthCodeRepository     = (*Store)(nil)
	_ repository.RefreshTokenRepository = (*Store)(nil)
	_ repository.UserRepository         = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval of
// one minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup
// interval. Zero or negative uses the default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*entity.Client),
		scopes:           make(map[string]*entity.Scope),
		users:            make(map[string]*userRecord),
		accessTokens:     make(map[string]*tokenRecord),
		authCodes:        make(map[string]*tokenRecord),
		refreshTokens:    make(map[string]*tokenRecord),
		cleanupInterval:  cleanupInterval,
		revokedRetention: 24 * time.Hour,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation attaches OpenTelemetry instrumentation and
// registers storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.authCodesCount.Store(int64(len(s.authCodes)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessTokensCount.Load() },
			func() int64 { return s.authCodesCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
			func() int64 { return s.clientsCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// recordOp reports one storage operation to the metrics pipeline.
func (s *Store) recordOp(ctx context.Context, op string, start time.Time, err error) {
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, op, result, float64(time.Since(start).Milliseconds()))
}

// ============================================================
// ClientRepository
// ============================================================

// AddClient registers a client. The plaintext secret is bcrypt-hashed
// before storage; pass an empty secret for public clients.
func (s *Store) AddClient(client *entity.Client, secret string) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID is required")
	}

	c := *client
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		c.SecretHash = hash
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = &c
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient implements repository.ClientRepository.
func (s *Store) GetClient(ctx context.Context, clientID string) (*entity.Client, error) {
	start := time.Now()
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		s.recordOp(ctx, "get_client", start, repository.ErrNotFound)
		return nil, repository.ErrNotFound
	}

	c := *client
	s.recordOp(ctx, "get_client", start, nil)
	return &c, nil
}

// ValidateClient implements repository.ClientRepository. Confidential
// clients must present the correct secret; public clients must present
// none.
func (s *Store) ValidateClient(ctx context.Context, clientID, clientSecret, grantType string) bool {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	if grantType != "" && !client.CanUseGrantType(grantType) {
		return false
	}

	if !client.Confidential {
		return clientSecret == ""
	}
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(clientSecret)); err != nil {
		s.logger.Debug("Client secret mismatch", "client_id", clientID)
		return false
	}
	return true
}

// ============================================================
// ScopeRepository
// ============================================================

// AddScope registers a scope.
func (s *Store) AddScope(scope *entity.Scope) error {
	if scope == nil || scope.ID == "" {
		return fmt.Errorf("scope ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sc := *scope
	s.scopes[sc.ID] = &sc
	return nil
}

// GetScopeByIdentifier implements repository.ScopeRepository.
func (s *Store) GetScopeByIdentifier(ctx context.Context, identifier string) (*entity.Scope, error) {
	s.mu.RLock()
	scope, ok := s.scopes[identifier]
	s.mu.RUnlock()

	if !ok {
		return nil, repository.ErrNotFound
	}
	sc := *scope
	return &sc, nil
}

// FinalizeScopes implements repository.ScopeRepository. The in-memory
// store grants exactly what was requested.
func (s *Store) FinalizeScopes(ctx context.Context, scopes []entity.Scope, grantType string, client *entity.Client, userID string) ([]entity.Scope, error) {
	return scopes, nil
}

// ============================================================
// UserRepository
// ============================================================

// AddUser registers a user with a bcrypt-hashed password.
func (s *Store) AddUser(user *entity.User, username, password string) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &userRecord{user: *user, passwordHash: hash}
	return nil
}

// GetUserByCredentials implements repository.UserRepository.
func (s *Store) GetUserByCredentials(ctx context.Context, username, password, grantType string, client *entity.Client) (*entity.User, error) {
	s.mu.RLock()
	rec, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		// Burn a bcrypt comparison anyway so missing and wrong
		// usernames take the same time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return nil, repository.ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword(rec.passwordHash, []byte(password)); err != nil {
		return nil, repository.ErrNotFound
	}

	u := rec.user
	return &u, nil
}

// ============================================================
// AccessTokenRepository
// ============================================================

// PersistAccessToken implements repository.AccessTokenRepository.
func (s *Store) PersistAccessToken(ctx context.Context, token *entity.AccessToken) error {
	start := time.Now()
	s.mu.Lock()
	s.accessTokens[token.ID] = &tokenRecord{expiresAt: token.ExpiresAt}
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.mu.Unlock()

	s.logger.Debug("Persisted access token", "token_id", truncateID(token.ID))
	s.recordOp(ctx, "persist_access_token", start, nil)
	return nil
}

// RevokeAccessToken implements repository.AccessTokenRepository.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	start := time.Now()
	s.mu.Lock()
	if rec, ok := s.accessTokens[tokenID]; ok {
		rec.revoked = true
	}
	s.mu.Unlock()

	s.recordOp(ctx, "revoke_access_token", start, nil)
	return nil
}

// IsAccessTokenRevoked implements repository.AccessTokenRepository.
// Unknown tokens count as revoked.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	rec, ok := s.accessTokens[tokenID]
	s.mu.RUnlock()

	if !ok {
		return true, nil
	}
	return rec.revoked, nil
}

// ============================================================
// AuthCodeRepository
// ============================================================

// PersistAuthCode implements repository.AuthCodeRepository.
func (s *Store) PersistAuthCode(ctx context.Context, code *entity.AuthCode) error {
	start := time.Now()
	s.mu.Lock()
	s.authCodes[code.ID] = &tokenRecord{expiresAt: code.ExpiresAt}
	s.authCodesCount.Store(int64(len(s.authCodes)))
	s.mu.Unlock()

	s.logger.Debug("Persisted authorization code", "code_id", truncateID(code.ID))
	s.recordOp(ctx, "persist_auth_code", start, nil)
	return nil
}

// RevokeAuthCode implements repository.AuthCodeRepository.
func (s *Store) RevokeAuthCode(ctx context.Context, codeID string) error {
	start := time.Now()
	s.mu.Lock()
	if rec, ok := s.authCodes[codeID]; ok {
		rec.revoked = true
	}
	s.mu.Unlock()

	s.recordOp(ctx, "revoke_auth_code", start, nil)
	return nil
}

// IsAuthCodeRevoked implements repository.AuthCodeRepository. Unknown
// codes count as revoked.
func (s *Store) IsAuthCodeRevoked(ctx context.Context, codeID string) (bool, error) {
	s.mu.RLock()
	rec, ok := s.authCodes[codeID]
	s.mu.RUnlock()

	if !ok {
		return true, nil
	}
	return rec.revoked, nil
}

// ============================================================
// RefreshTokenRepository
// ============================================================

// PersistRefreshToken implements repository.RefreshTokenRepository.
func (s *Store) PersistRefreshToken(ctx context.Context, token *entity.RefreshToken) error {
	start := time.Now()
	s.mu.Lock()
	s.refreshTokens[token.ID] = &tokenRecord{expiresAt: token.ExpiresAt}
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	s.logger.Debug("Persisted refresh token", "token_id", truncateID(token.ID))
	s.recordOp(ctx, "persist_refresh_token", start, nil)
	return nil
}

// RevokeRefreshToken implements repository.RefreshTokenRepository.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	start := time.Now()
	s.mu.Lock()
	if rec, ok := s.refreshTokens[tokenID]; ok {
		rec.revoked = true
	}
	s.mu.Unlock()

	s.recordOp(ctx, "revoke_refresh_token", start, nil)
	return nil
}

// IsRefreshTokenRevoked implements repository.RefreshTokenRepository.
// Unknown tokens count as revoked.
func (s *Store) IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	rec, ok := s.refreshTokens[tokenID]
	s.mu.RUnlock()

	if !ok {
		return true, nil
	}
	return rec.revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired drops token records that are past expiry plus the
// retention window. Expired records are kept for a while so revocation
// checks on recently expired tokens still answer from real state.
func (s *Store) cleanupExpired() {
	now := time.Now()
	cutoff := now.Add(-s.revokedRetention)

	s.mu.Lock()
	removed := 0
	for _, m := range []map[string]*tokenRecord{s.accessTokens, s.authCodes, s.refreshTokens} {
		for id, rec := range m {
			if rec.expiresAt.Before(cutoff) {
				delete(m, id)
				removed++
			}
		}
	}
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.authCodesCount.Store(int64(len(s.authCodes)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Cleaned up expired token records", "removed", removed)
	}
}

// truncateID shortens a token ID for logging.
func truncateID(id string) string {
	if len(id) <= tokenIDLogLength {
		return id
	}
	return id[:tokenIDLogLength]
}
