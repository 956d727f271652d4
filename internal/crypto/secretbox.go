// Package crypto provides symmetric authenticated encryption for sensitive
// tool header values at rest.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrCiphertextTooShort indicates a stored value is too short to contain a nonce.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// ErrDecryptionFailed indicates authentication failed (wrong key or tampering).
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

const nonceSize = 24

// Box encrypts and decrypts tool header values with a single process-wide key
// derived from configuration (ENCRYPTION_KEY). Ciphertexts are
// base64-std-encoded so they round-trip cleanly through JSON and text columns.
type Box struct {
	key [32]byte
}

// NewBox derives a 32-byte secretbox key from an arbitrary-length passphrase.
func NewBox(keyMaterial string) *Box {
	return &Box{key: sha256.Sum256([]byte(keyMaterial))}
}

// Seal encrypts plaintext, returning a base64 string safe to store at rest.
func (b *Box) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value previously produced by Seal. It must only be called
// in the moments immediately preceding the outbound tool HTTP call, and the
// result must never be logged.
func (b *Box) Open(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", err
	}
	if len(raw) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// sensitiveHeaderNames are matched case-insensitively against a tool's header
// map to decide which values must be stored through a Box rather than in
// plaintext.
var sensitiveHeaderNames = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
	"token":         true,
}

// IsSensitiveHeader reports whether a header name (case-insensitive) must be
// encrypted at rest.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaderNames[normalizeHeaderName(name)]
}

func normalizeHeaderName(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
