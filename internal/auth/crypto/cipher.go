package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptyKey = errors.New("encryption key cannot be empty")

	// ErrDecryptionFailed is returned for any ciphertext that does not
	// authenticate under the server key: tampered, truncated or produced
	// with a different key. Callers never see partial plaintext.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// hkdf context string, fixed so every server with the same configured
// secret derives the same AEAD key.
var keyInfo = []byte("applemusic-mcp/token-encryption/v1")

// Cipher encrypts upstream Music user tokens before they are embedded in
// access token claims. AES-256-GCM with a key derived from the configured
// secret via HKDF-SHA256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AEAD key from the server-wide secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, keyInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext with a fresh random nonce and returns
// base64url(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any malformed or unauthenticated input yields
// ErrDecryptionFailed.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrDecryptionFailed
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
