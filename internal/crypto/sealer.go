package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EnvelopePrefix marks values sealed by a Sealer.
const EnvelopePrefix = "enc:v1:"

var (
	// ErrNoMasterKey is returned when a Sealer is built without a secret.
	ErrNoMasterKey = errors.New("master key is not configured")
	// ErrNotSealed is returned by Open for values without the envelope prefix.
	ErrNotSealed = errors.New("value is not sealed")
)

// Sealer is AES-256-GCM keyed from a master secret through HKDF-SHA256.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the data key from masterKey.
func NewSealer(masterKey string) (*Sealer, error) {
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterKey), []byte("sheetkit"), []byte("cell-values"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plain into an enc:v1: envelope.
func (s *Sealer) Seal(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return EnvelopePrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(envelope string) (string, error) {
	if !IsSealed(envelope) {
		return "", ErrNotSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(envelope, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("envelope too short")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether v carries the envelope prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, EnvelopePrefix)
}
