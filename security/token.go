package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// TokenGenerator mints opaque identifiers and client secrets.
type TokenGenerator struct {
	hasher *SecretHasher
}

// NewTokenGenerator returns a generator whose secrets are hashed with hasher.
func NewTokenGenerator(hasher *SecretHasher) *TokenGenerator {
	if hasher == nil {
		hasher = NewSecretHasher(DefaultBcryptCost)
	}
	return &TokenGenerator{hasher: hasher}
}

// GenerateID returns 32 bytes from crypto/rand encoded as unpadded base64url
// (43 characters). oauth2.GenerateVerifier produces exactly that and panics
// if the system random source fails.
func (g *TokenGenerator) GenerateID() string {
	return oauth2.GenerateVerifier()
}

// GenerateSecret returns a fresh client secret together with its hash. The
// plaintext must be handed to the registrant once and then dropped.
func (g *TokenGenerator) GenerateSecret() (secret, hash string, err error) {
	secret = g.GenerateID()
	hash, err = g.hasher.HashSecret(secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return secret, hash, nil
}

// TokenKey is the storage key for an opaque code or token. Codes and tokens
// carry full entropy, so an unsalted SHA-256 digest is enough to make a
// leaked table useless while keeping validation a single indexed lookup.
func TokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
