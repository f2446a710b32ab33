package crypt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadPrivateKey reads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	return LoadPrivateKeyWithPassphrase(path, "")
}

// LoadPrivateKeyWithPassphrase reads an RSA private key from a PEM
// file, decrypting it with the passphrase when the key is encrypted.
func LoadPrivateKeyWithPassphrase(path, passphrase string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParsePrivateKeyPEMWithPassphrase(data, passphrase)
}

// ParsePrivateKeyPEM parses an RSA private key from PEM data. Both
// PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") encodings are
// accepted.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	return ParsePrivateKeyPEMWithPassphrase(data, "")
}

// ParsePrivateKeyPEMWithPassphrase parses an RSA private key from PEM
// data. Keys carrying legacy PEM encryption headers (Proc-Type:
// 4,ENCRYPTED) are decrypted with the passphrase first.
func ParsePrivateKeyPEMWithPassphrase(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key data")
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted PEM keys are still in circulation
		if passphrase == "" {
			return nil, fmt.Errorf("private key is encrypted, a passphrase is required")
		}
		decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck // see above
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
		der = decrypted
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, expected *rsa.PrivateKey", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// GeneratePrivateKey creates a new 2048-bit RSA key. Intended for
// development and tests; production deployments load a persistent key
// so tokens survive restarts.
func GeneratePrivateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// EncodePrivateKeyPEM serializes the key in PKCS#1 PEM form.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}
