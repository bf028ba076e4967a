package security

import (
	"regexp"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestTokenGenerator_GenerateID(t *testing.T) {
	g := NewTokenGenerator(nil)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.GenerateID()
		if len(id) != 43 {
			t.Fatalf("GenerateID() length = %d, want 43", len(id))
		}
		if !urlSafe.MatchString(id) {
			t.Fatalf("GenerateID() = %q, not URL-safe", id)
		}
		if seen[id] {
			t.Fatalf("GenerateID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestTokenGenerator_GenerateSecret(t *testing.T) {
	hasher := NewSecretHasher(bcrypt.MinCost)
	g := NewTokenGenerator(hasher)

	secret, hash, err := g.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if secret == hash {
		t.Fatal("GenerateSecret() hash equals plaintext")
	}
	if !hasher.VerifySecret(secret, hash) {
		t.Error("generated secret does not verify against its hash")
	}
}

func TestTokenKey(t *testing.T) {
	k1 := TokenKey("token-a")
	k2 := TokenKey("token-a")
	k3 := TokenKey("token-b")

	if k1 != k2 {
		t.Error("TokenKey() should be deterministic")
	}
	if k1 == k3 {
		t.Error("TokenKey() should differ for different tokens")
	}
	if len(k1) != 64 {
		t.Errorf("TokenKey() length = %d, want 64", len(k1))
	}
}
