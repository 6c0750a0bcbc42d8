// Package keys encrypts account passwords at rest so the service can
// re-authenticate expired sessions without keeping plaintext in the
// database.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const keySize = 32 // AES-256

var (
	ErrNoKey      = errors.New("no credential key configured")
	ErrWrongKeyID = errors.New("credential was sealed with a different key")
)

// Provider seals and opens credential secrets with a single symmetric key.
// The key id travels with every sealed record so a key rotation can detect
// records it can no longer open.
type Provider struct {
	keyID string
	aead  cipher.AEAD
}

// NewProvider builds a provider from a hex-encoded 256-bit key. An empty
// key yields a disabled provider whose Seal/Open return ErrNoKey, which
// callers treat as "do not store credentials".
func NewProvider(hexKey, keyID string) (*Provider, error) {
	if hexKey == "" {
		return &Provider{}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credential key: %w", err)
	}

	if len(key) != keySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build aead: %w", err)
	}

	return &Provider{keyID: keyID, aead: aead}, nil
}

func (p *Provider) Enabled() bool {
	return p.aead != nil
}

func (p *Provider) KeyID() string {
	return p.keyID
}

// Seal encrypts the secret. The returned ciphertext carries the AEAD tag;
// the nonce is returned separately for storage alongside.
func (p *Provider) Seal(secret string) (iv, ciphertext []byte, err error) {
	if p.aead == nil {
		return nil, nil, ErrNoKey
	}

	iv = make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return iv, p.aead.Seal(nil, iv, []byte(secret), nil), nil
}

// Open decrypts a sealed secret, refusing records sealed under another key.
func (p *Provider) Open(keyID string, iv, ciphertext []byte) (string, error) {
	if p.aead == nil {
		return "", ErrNoKey
	}

	if keyID != p.keyID {
		return "", ErrWrongKeyID
	}

	plain, err := p.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open credential: %w", err)
	}

	return string(plain), nil
}
