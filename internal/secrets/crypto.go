// Package secrets provides at-rest encryption for exchange credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts credential material with AES-256-GCM. The key
// is derived from the configured ENCRYPTION_KEY by SHA-256, so operators can
// supply a passphrase of any length.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the configured key material.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	derived := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty ciphertext decrypts to an empty string
// so optional credential fields round-trip cleanly.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DecryptCredentials decrypts a stored credential triple in one call.
func (c *Cipher) DecryptCredentials(key, secret, passphrase string) (Credentials, error) {
	apiKey, err := c.Decrypt(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("api key: %w", err)
	}
	apiSecret, err := c.Decrypt(secret)
	if err != nil {
		return Credentials{}, fmt.Errorf("api secret: %w", err)
	}
	pass, err := c.Decrypt(passphrase)
	if err != nil {
		return Credentials{}, fmt.Errorf("passphrase: %w", err)
	}
	return Credentials{APIKey: apiKey, APISecret: apiSecret, Passphrase: pass}, nil
}

// Credentials is the decrypted credential set handed to adapters.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// IsZero reports whether no credential material is present.
func (c Credentials) IsZero() bool {
	return c.APIKey == "" && c.APISecret == ""
}
