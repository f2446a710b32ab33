package crypt

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authkit/oauth2-server/entity"
)

// AccessTokenClaims is the JWT claim set for issued access tokens.
type AccessTokenClaims struct {
	jwt.RegisteredClaims

	// Scopes are the granted scope identifiers
	Scopes []string `json:"scopes,omitempty"`
}

// Signer issues and verifies RS256-signed access tokens.
type Signer struct {
	privateKey *rsa.PrivateKey
	issuer     string
}

// NewSigner creates a signer using the given RSA private key. The
// issuer is placed in the iss claim of every token.
func NewSigner(privateKey *rsa.PrivateKey, issuer string) (*Signer, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return &Signer{privateKey: privateKey, issuer: issuer}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}

// Issuer returns the iss claim value this signer stamps on tokens.
func (s *Signer) Issuer() string {
	return s.issuer
}

// SignAccessToken converts the access token entity into a signed JWT.
func (s *Signer) SignAccessToken(token *entity.AccessToken) (string, error) {
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Issuer:    s.issuer,
			Subject:   token.UserID,
			Audience:  jwt.ClaimStrings{token.ClientID},
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			NotBefore: jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
		Scopes: token.Scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and verifies a signed access token. Any
// modification to the token, an unexpected signing algorithm, or an
// expired exp claim fails verification.
func (s *Signer) VerifyAccessToken(raw string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return &s.privateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	return claims, nil
}
