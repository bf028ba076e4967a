package testutil

import (
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// Epoch is a fixed start time for deterministic tests.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Clock is a controllable time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// GeneratePKCEPair returns an S256 challenge and the verifier it was derived from.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewClient returns an active client fixture. The secret hash is empty; set
// one when a test authenticates.
func NewClient(clientID string, at time.Time) *storage.Client {
	return &storage.Client{
		ClientID:      clientID,
		Name:          "Test Client " + clientID,
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"memories:read", "memories:write"},
		OwnerID:       "owner-1",
		Active:        true,
		Metadata:      map[string]string{"env": "test"},
		CreatedAt:     at,
	}
}

// NewCode returns an unused authorization code for plaintext, valid for ttl
// from at.
func NewCode(plaintext, clientID string, at time.Time, ttl time.Duration) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:    security.TokenKey(plaintext),
		ClientID:    clientID,
		UserID:      "user-1",
		RedirectURI: "https://app.example.com/cb",
		Scopes:      []string{"memories:read"},
		State:       "state-1",
		CreatedAt:   at,
		ExpiresAt:   at.Add(ttl),
	}
}

// NewTokenPair returns a paired access and refresh token in familyID.
func NewTokenPair(clientID, userID, familyID string, at time.Time, accessTTL, refreshTTL time.Duration) *storage.TokenPair {
	access := &storage.AccessToken{
		TokenHash: security.TokenKey(oauth2.GenerateVerifier()),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    []string{"memories:read"},
		FamilyID:  familyID,
		CreatedAt: at,
		ExpiresAt: at.Add(accessTTL),
	}
	refresh := &storage.RefreshToken{
		TokenHash:       security.TokenKey(oauth2.GenerateVerifier()),
		AccessTokenHash: access.TokenHash,
		ClientID:        clientID,
		UserID:          userID,
		Scopes:          []string{"memories:read"},
		GrantedScopes:   []string{"memories:read", "memories:write"},
		FamilyID:        familyID,
		CreatedAt:       at,
		ExpiresAt:       at.Add(refreshTTL),
	}
	return &storage.TokenPair{Access: access, Refresh: refresh}
}
