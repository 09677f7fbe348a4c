// Package encryption seals OAuth tokens before they are written to storage.
//
// Tokens are encrypted with AES-256-GCM. The 256-bit key is derived with HKDF-SHA256
// from the single secret configured at startup, so operators can supply any
// high-entropy string (see GenerateKey). Every ciphertext is laid out as
//
//	version (1 byte) | nonce (12 bytes) | sealed token + GCM tag
//
// A TokenCipher holds no mutable state and is safe for concurrent use.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"golang.org/x/crypto/hkdf"
)

const (
	formatVersion byte = 1

	// MinSecretLength is the shortest secret accepted by New.
	MinSecretLength = 32

	keyInfo = "task-mcp token cipher v1"
)

// TokenCipher encrypts and decrypts opaque token strings.
type TokenCipher struct {
	aead cipher.AEAD
}

// New derives the encryption key from secret. An empty or short secret is a
// configuration error.
func New(secret string) (*TokenCipher, error) {
	if secret == "" {
		return nil, autherr.New(autherr.KindConfiguration, "encryption key is not configured")
	}
	if len(secret) < MinSecretLength {
		return nil, autherr.New(autherr.KindConfiguration,
			fmt.Sprintf("encryption key must be at least %d characters", MinSecretLength))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, "failed to derive encryption key", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, "failed to initialize cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, "failed to initialize cipher", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *TokenCipher) Encrypt(plaintext string) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, autherr.ErrConfiguration
	}
	if plaintext == "" {
		return nil, autherr.Validation("cannot encrypt an empty token")
	}

	nonceSize := c.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+c.aead.Overhead())
	out[0] = formatVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(out, out[1:], []byte(plaintext), []byte{formatVersion}), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Malformed, truncated or tampered
// input fails with a decryption error; the error never includes the input bytes.
func (c *TokenCipher) Decrypt(ciphertext []byte) (string, error) {
	if c == nil || c.aead == nil {
		return "", autherr.ErrConfiguration
	}

	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < 1+nonceSize+c.aead.Overhead() {
		return "", autherr.New(autherr.KindDecryption, "ciphertext is truncated")
	}
	if ciphertext[0] != formatVersion {
		return "", autherr.New(autherr.KindDecryption, "unknown ciphertext version")
	}

	nonce := ciphertext[1 : 1+nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext[1+nonceSize:], []byte{formatVersion})
	if err != nil {
		return "", autherr.Wrap(autherr.KindDecryption, "ciphertext failed authentication", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a new random secret suitable for New.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
