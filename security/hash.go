package security

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor used when none is configured.
const DefaultBcryptCost = bcrypt.DefaultCost

// ErrEmptySecret is returned when hashing an empty secret.
var ErrEmptySecret = errors.New("secret must not be empty")

// SecretHasher hashes and verifies client secrets with bcrypt.
type SecretHasher struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewSecretHasher returns a hasher using the given bcrypt cost. Costs outside
// bcrypt's accepted range fall back to DefaultBcryptCost.
func NewSecretHasher(cost int) *SecretHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &SecretHasher{cost: cost}
}

// Cost returns the configured work factor.
func (h *SecretHasher) Cost() int {
	return h.cost
}

// HashSecret returns the salted bcrypt hash of plaintext.
func (h *SecretHasher) HashSecret(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptySecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether plaintext matches hash. Malformed hashes and
// empty inputs verify as false.
func (h *SecretHasher) VerifySecret(plaintext, hash string) bool {
	if hash == "" {
		h.VerifyDummy(plaintext)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// VerifyDummy burns one bcrypt comparison at the configured cost and always
// fails. Callers use it on lookup misses so the miss costs as much as a
// mismatch.
func (h *SecretHasher) VerifyDummy(plaintext string) {
	h.dummyOnce.Do(func() {
		// the dummy value only has to be a well-formed hash at our cost
		hash, err := bcrypt.GenerateFromPassword([]byte("authz-dummy-secret"), h.cost)
		if err == nil {
			h.dummyHash = hash
		}
	})
	if h.dummyHash == nil {
		return
	}
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(plaintext))
}
