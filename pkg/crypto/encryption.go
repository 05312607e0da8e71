// Package crypto seals venue account secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	prefixOpen = "ENC[v"
	prefixEnd  = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Sealer encrypts with AES-256-GCM under a single key version.
// Output format: ENC[vN]:base64(nonce+ciphertext+tag).
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer builds a Sealer for a 32-byte key.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if version < 1 {
		return nil, fmt.Errorf("key version must be >= 1, got %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead, version: version}, nil
}

// Seal encrypts plaintext. The account id is bound as additional data so a
// ciphertext copied onto another account fails to open.
func (s *Sealer) Seal(plaintext, accountID string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(accountID))
	return fmt.Sprintf("%s%d%s", prefixOpen, s.version, prefixEnd) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(ciphertext, accountID string) (string, error) {
	version, payload, err := split(ciphertext)
	if err != nil {
		return "", err
	}
	if version != s.version {
		return "", fmt.Errorf("ciphertext is v%d, sealer is v%d", version, s.version)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize+s.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(accountID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version returns the key version used by this sealer.
func (s *Sealer) Version() int { return s.version }

// IsSealed reports whether v looks like Seal output.
func IsSealed(v string) bool {
	_, _, err := split(v)
	return err == nil
}

// ParseVersion extracts the version number from a sealed string, 0 if malformed.
func ParseVersion(ciphertext string) int {
	v, _, err := split(ciphertext)
	if err != nil {
		return 0
	}
	return v
}

func split(ciphertext string) (int, string, error) {
	if !strings.HasPrefix(ciphertext, prefixOpen) {
		return 0, "", ErrInvalidCiphertext
	}
	end := strings.Index(ciphertext, prefixEnd)
	if end == -1 {
		return 0, "", ErrInvalidCiphertext
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext[len(prefixOpen):end], "%d", &version); err != nil || version < 1 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, ciphertext[end+len(prefixEnd):], nil
}
