// Package secrets seals webhook signing secrets before they are stored.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"go.uber.org/zap"
)

const (
	sealedPrefix = "v1:"
	hkdfInfo     = "outpost webhook secret sealing"
)

// ErrNoKey is returned when opening a sealed value without a configured key.
var ErrNoKey = errors.New("secrets key not configured")

// Box seals values with XChaCha20-Poly1305 under a key derived from the
// configured master key. A Box without a key stores values unchanged.
type Box struct {
	aead cipher.AEAD
}

// New derives the sealing key from masterKey. An empty masterKey yields a
// passthrough Box and a warning.
func New(masterKey string, logger *zap.Logger) (*Box, error) {
	if masterKey == "" {
		logger.Warn("SECRETS_KEY not set, webhook secrets are stored unsealed")
		return &Box{}, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal returns the stored form of plain.
func (b *Box) Seal(plain string) (string, error) {
	if b.aead == nil {
		return plain, nil
	}

	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plain)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values stored before a key was configured are returned as-is.
func (b *Box) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if b.aead == nil {
		return "", ErrNoKey
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(raw) < b.aead.NonceSize() {
		return "", errors.New("sealed secret too short")
	}

	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plain), nil
}
