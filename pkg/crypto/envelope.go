// Package crypto implements the at-rest content envelope. When a content key
// is configured, memory content is sealed with AES-256-GCM before it reaches
// the relational store and opened on read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrNoKey is returned when sealing is requested without a key.
	ErrNoKey = errors.New("content key not configured")

	// ErrCiphertext is returned when an envelope cannot be opened.
	ErrCiphertext = errors.New("invalid ciphertext envelope")
)

// Envelope seals and opens memory content with a fixed key.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope derives an AES-256-GCM envelope from the configured key
// material. The key is hashed so any non-empty string is usable.
func NewEnvelope(key string) (*Envelope, error) {
	if key == "" {
		return nil, ErrNoKey
	}

	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 envelope string.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 envelope string produced by Seal.
func (e *Envelope) Open(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	if len(raw) < e.aead.NonceSize() {
		return "", ErrCiphertext
	}

	nonce, sealed := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	return string(plaintext), nil
}
