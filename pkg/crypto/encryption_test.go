package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)
	s, err := NewSealer(key, 3)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	a, _ := s.Seal("pw", "ACC1")
	b, _ := s.Seal("pw", "ACC1")
	if a == b {
		t.Fatal("expected distinct ciphertexts for repeated Seal (random nonce)")
	}
	if ParseVersion(a) != 3 {
		t.Fatalf("version=%d, expected 3", ParseVersion(a))
	}

	got, err := s.Open(a, "ACC1")
	if err != nil || got != "pw" {
		t.Fatalf("Open=%q,%v expected pw", got, err)
	}
}

func TestSealerRejects(t *testing.T) {
	s, _ := NewSealer(bytes.Repeat([]byte{1}, KeySize), 1)

	t.Run("short key", func(t *testing.T) {
		if _, err := NewSealer([]byte("short"), 1); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
	})
	t.Run("not sealed", func(t *testing.T) {
		if _, err := s.Open("plain", "ACC1"); !errors.Is(err, ErrInvalidCiphertext) {
			t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		if _, err := s.Open("ENC[v1]:AAAA", "ACC1"); !errors.Is(err, ErrInvalidCiphertext) {
			t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
		}
	})
	t.Run("tampered", func(t *testing.T) {
		sealed, _ := s.Seal("pw", "ACC1")
		raw := []byte(sealed)
		last := len(raw) - 2
		if raw[last] == 'A' {
			raw[last] = 'B'
		} else {
			raw[last] = 'A'
		}
		if _, err := s.Open(string(raw), "ACC1"); err == nil {
			t.Fatal("expected error for tampered ciphertext")
		}
	})
}
