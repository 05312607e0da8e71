package crypto

import (
	"errors"
	"strings"
	"testing"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestKeyManagerSealOpen(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	km, err := NewKeyManagerFrom(lookupFrom(map[string]string{EnvKeyPrefix: k1}))
	if err != nil {
		t.Fatalf("NewKeyManagerFrom: %v", err)
	}

	sealed, err := km.Seal("hunter2", "ACC1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "ENC[v1]:") || !IsSealed(sealed) {
		t.Fatalf("unexpected format %q", sealed)
	}
	if strings.Contains(sealed, "hunter2") {
		t.Fatal("plaintext leaked into ciphertext")
	}

	plain, err := km.Open(sealed, "ACC1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("Open=%q, expected hunter2", plain)
	}

	if _, err := km.Open(sealed, "ACC2"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for wrong account, got %v", err)
	}
}

func TestKeyManagerRotation(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()

	old, err := NewKeyManagerFrom(lookupFrom(map[string]string{EnvKeyPrefix: k1}))
	if err != nil {
		t.Fatalf("NewKeyManagerFrom: %v", err)
	}
	sealedV1, _ := old.Seal("secret", "ACC1")

	km, err := NewKeyManagerFrom(lookupFrom(map[string]string{EnvKeyPrefix: k1, EnvKeyPrefix + "_V2": k2}))
	if err != nil {
		t.Fatalf("NewKeyManagerFrom: %v", err)
	}
	if km.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion=%d, expected 2", km.CurrentVersion())
	}

	resealed, err := km.Reseal(sealedV1, "ACC1")
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if ParseVersion(resealed) != 2 {
		t.Fatalf("resealed version=%d, expected 2", ParseVersion(resealed))
	}
	if plain, _ := km.Open(resealed, "ACC1"); plain != "secret" {
		t.Fatalf("Open after reseal=%q", plain)
	}
}

func TestKeyManagerMissingPrimary(t *testing.T) {
	if _, err := NewKeyManagerFrom(lookupFrom(nil)); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	tests := map[string]int{
		"ENC[v1]:abc":  1,
		"ENC[v12]:abc": 12,
		"ENC[v0]:abc":  0,
		"ENC[vx]:abc":  0,
		"plain":        0,
		"ENC[v3":       0,
	}
	for in, want := range tests {
		if got := ParseVersion(in); got != want {
			t.Errorf("ParseVersion(%q)=%d, expected %d", in, got, want)
		}
	}
}
