// Package crypto encrypts refresh credentials at rest.
//
// Ciphertexts are AES-256-GCM with a random nonce, base64-encoded. The key is
// derived from a process secret via PBKDF2-SHA256 with a fixed salt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"

	"github.com/followaudit/followaudit/internal/domain"
)

const (
	kdfIterations = 100_000
	keyLen        = 32
)

var kdfSalt = []byte("upstream-session-refresh-salt")

// Box performs authenticated encryption with a derived key.
type Box struct {
	aead cipher.AEAD
}

// New derives the key from secret. When secret is empty, fallback is used
// instead and a loud warning is logged once; an empty fallback is an error.
func New(secret, fallback string) (*Box, error) {
	if secret == "" {
		if fallback == "" {
			return nil, fmt.Errorf("op=crypto.New: no encryption secret configured: %w", domain.ErrEncryption)
		}
		slog.Warn("ENCRYPTION_KEY not set; deriving credential key from SECRET_KEY, set a dedicated key in production")
		secret = fallback
	}
	key := pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("op=crypto.New: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("op=crypto.New: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign ciphertexts return
// domain.ErrEncryption.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: decode: %w", domain.ErrEncryption)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("op=crypto.Decrypt: short ciphertext: %w", domain.ErrEncryption)
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: %w", domain.ErrEncryption)
	}
	return string(plain), nil
}
