package crypt

import (
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("GenerateKey() returned key of length %d, want 32", len(key))
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if string(key) == string(key2) {
		t.Error("GenerateKey() returned identical keys")
	}
}

func TestNewEncryptor_KeyLength(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{"32-byte key", 32, false},
		{"nil key", 0, true},
		{"16-byte key", 16, true},
		{"64-byte key", 64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncryptor(make([]byte, tt.keyLen))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []string{
		"",
		"short",
		`{"client_id":"client-1","refresh_token_id":"abc"}`,
		strings.Repeat("x", 16*1024),
		"unicode: héllo wörld 世界",
	}
	for _, plaintext := range tests {
		ciphertext, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if ciphertext == plaintext && plaintext != "" {
			t.Errorf("Encrypt(%q) did not change the input", plaintext)
		}

		got, err := enc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptor_NonDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	a, _ := enc.Encrypt("same plaintext")
	b, _ := enc.Encrypt("same plaintext")
	if a == b {
		t.Error("two encryptions of the same plaintext are identical, nonce reuse?")
	}
}

func TestEncryptor_DecryptFailures(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	valid, err := enc.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	otherKey, _ := GenerateKey()
	other, err := NewEncryptor(otherKey)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []struct {
		name string
		run  func() (string, error)
	}{
		{"not base64", func() (string, error) { return enc.Decrypt("%%% not base64 %%%") }},
		{"too short", func() (string, error) { return enc.Decrypt("AAAA") }},
		{"tampered ciphertext", func() (string, error) { return enc.Decrypt(valid[:len(valid)-5] + "AAAA=") }},
		{"wrong key", func() (string, error) { return other.Decrypt(valid) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.run(); err == nil {
				t.Error("expected decryption to fail")
			}
		})
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	encoded := KeyToBase64(key)
	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("base64 round trip changed the key")
	}

	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := KeyFromBase64(KeyToBase64(make([]byte, 16))); err == nil {
		t.Error("expected error for a 16-byte key")
	}
}
