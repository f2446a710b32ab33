// Package valkey provides a Valkey-backed implementation of the token
// repositories. It holds the revocation state that must be shared when
// the authorization server runs as multiple instances; clients,
// scopes, and users usually come from configuration or an application
// database and are not stored here.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authkit/oauth2-server/repository"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth:"

	// DefaultRevokedRetention keeps revoked markers around past token
	// expiry so late revocation checks still answer from real state.
	DefaultRevokedRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters of a token ID
	// included in log lines.
	tokenIDLogLength = 8

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// Token record states stored as key values.
const (
	stateActive  = "active"
	stateRevoked = "revoked"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g.
	// "localhost:6379"
	Address string

	// Password is the optional password for authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration
	TLS *tls.Config

	// Logger is the optional structured logger
	Logger *slog.Logger

	// RevokedRetention is how long revoked markers outlive token
	// expiry. Default: 24 hours.
	RevokedRetention time.Duration
}

// Store is a Valkey-backed implementation of the token repositories.
type Store struct {
	client           valkeygo.Client
	prefix           string
	logger           *slog.Logger
	revokedRetention time.Duration
}

// Compile-time interface checks.
var (
	_ repository.AccessTokenRepository  = (*Store)(nil)
	_ repository.AuthCodeRepository     = (*Store)(nil)
	_ repository.RefreshTokenRepository = (*Store)(nil)
)

// New creates a Valkey-backed store. Returns an error if the
// connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.RevokedRetention
	if retention <= 0 {
		retention = DefaultRevokedRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		logger:           logger,
		revokedRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func (s *Store) accessTokenKey(id string) string {
	return s.prefix + "access_token:" + id
}

func (s *Store) authCodeKey(id string) string {
	return s.prefix + "auth_code:" + id
}

func (s *Store) refreshTokenKey(id string) string {
	return s.prefix + "refresh_token:" + id
}

// truncateID shortens a token ID for logging.
func truncateID(id string) string {
	if len(id) <= tokenIDLogLength {
		return id
	}
	return id[:tokenIDLogLength]
}
