package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// EnvKeyPrefix names the master key variables: MASTER_ENCRYPTION_KEY is v1,
// MASTER_ENCRYPTION_KEY_V2.._V10 are rotations.
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

// KeyManager holds every loaded key version and seals with the newest one.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	sealers    map[int]*Sealer
}

// NewKeyManager loads keys from the process environment.
func NewKeyManager() (*KeyManager, error) {
	return NewKeyManagerFrom(os.LookupEnv)
}

// NewKeyManagerFrom loads base64 keys through lookup (os.LookupEnv in production).
func NewKeyManagerFrom(lookup func(string) (string, bool)) (*KeyManager, error) {
	km := &KeyManager{sealers: make(map[int]*Sealer)}

	if err := km.load(lookup, 1, EnvKeyPrefix); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	km.currentVer = 1

	for v := 2; v <= 10; v++ {
		name := fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)
		if err := km.load(lookup, v, name); err == nil {
			km.currentVer = v
		} else if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	return km, nil
}

func (km *KeyManager) load(lookup func(string) (string, bool), version int, name string) error {
	raw, ok := lookup(name)
	if !ok || raw == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", name, err)
	}
	s, err := NewSealer(key, version)
	if err != nil {
		return fmt.Errorf("key %s: %w", name, err)
	}
	km.sealers[version] = s
	return nil
}

// Seal encrypts a secret for accountID with the current key version.
func (km *KeyManager) Seal(plaintext, accountID string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	s, ok := km.sealers[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return s.Seal(plaintext, accountID)
}

// Open decrypts with whichever version sealed the value.
func (km *KeyManager) Open(ciphertext, accountID string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	s, ok := km.sealers[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return s.Open(ciphertext, accountID)
}

// Reseal moves a ciphertext onto the current key version.
func (km *KeyManager) Reseal(ciphertext, accountID string) (string, error) {
	plain, err := km.Open(ciphertext, accountID)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return km.Seal(plain, accountID)
}

// CurrentVersion returns the newest loaded key version.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey returns a fresh base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
