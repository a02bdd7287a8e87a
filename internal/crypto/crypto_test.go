package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHashVerifyPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
	}{
		{"simple", "hunter2"},
		{"long", strings.Repeat("correct horse battery staple ", 8)},
		{"unicode", "pässwörd🔒"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if err != nil {
				t.Fatalf("HashPassword failed: %v", err)
			}
			if !strings.HasPrefix(hash, "$argon2id$") {
				t.Errorf("hash = %q, want $argon2id$ prefix", hash)
			}

			if err := VerifyPassword(tt.password, hash); err != nil {
				t.Errorf("VerifyPassword failed: %v", err)
			}
			if err := VerifyPassword(tt.password+"x", hash); !errors.Is(err, ErrMismatch) {
				t.Errorf("wrong password: got %v, want ErrMismatch", err)
			}
		})
	}
}

func TestHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("same")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	h2, err := HashPassword("same")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password are identical")
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	for _, hash := range []string{"", "plaintext", "$bcrypt$whatever", "$argon2id$v=19$broken"} {
		if err := VerifyPassword("x", hash); err == nil {
			t.Errorf("VerifyPassword(%q) succeeded, want error", hash)
		}
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	raw, hash, err := NewAPIKey("k_123")
	if err != nil {
		t.Fatalf("NewAPIKey failed: %v", err)
	}
	if !strings.HasPrefix(raw, "alloy_k_123.") {
		t.Errorf("raw key = %q, want alloy_k_123. prefix", raw)
	}

	id, secret, err := ParseAPIKey(raw)
	if err != nil {
		t.Fatalf("ParseAPIKey failed: %v", err)
	}
	if id != "k_123" {
		t.Errorf("id = %q, want k_123", id)
	}
	if err := VerifyPassword(secret, hash); err != nil {
		t.Errorf("secret doesn't verify against hash: %v", err)
	}
}

func TestParseAPIKeyRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "alloy_", "alloy_noseparator", "alloy_.secretonly", "other_k.s"} {
		if _, _, err := ParseAPIKey(raw); err == nil {
			t.Errorf("ParseAPIKey(%q) succeeded, want error", raw)
		}
	}
}

func TestNewID(t *testing.T) {
	id1, err := NewID()
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if len(id1) != 32 {
		t.Errorf("len(id) = %d, want 32", len(id1))
	}
	id2, _ := NewID()
	if id1 == id2 {
		t.Error("two ids are identical")
	}
}
