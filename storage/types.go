package storage

import (
	"maps"
	"slices"
	"time"
)

// Client is a registered OAuth client.
type Client struct {
	ClientID string

	// SecretHash is the bcrypt hash of the client secret. The plaintext is
	// never stored.
	SecretHash string

	Name          string
	RedirectURIs  []string
	AllowedScopes []string

	// OwnerID is the user that registered the client.
	OwnerID string

	// Active is false once the client has been deactivated. Deactivation is
	// permanent.
	Active bool

	Metadata map[string]string

	CreatedAt       time.Time
	SecretRotatedAt time.Time
	DeactivatedAt   time.Time
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	out.Metadata = maps.Clone(c.Metadata)
	return &out
}

// AuthorizationCode is a single-use grant issued at the authorize step.
type AuthorizationCode struct {
	CodeHash    string
	ClientID    string
	UserID      string
	RedirectURI string
	Scopes      []string
	State       string

	// CodeChallenge and CodeChallengeMethod are empty without PKCE.
	CodeChallenge       string
	CodeChallengeMethod string

	CreatedAt time.Time
	ExpiresAt time.Time

	Used   bool
	UsedAt time.Time
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// AccessToken is an opaque bearer token resolved by lookup.
type AccessToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	Scopes    []string

	// FamilyID groups every token descending from one authorization code.
	FamilyID string

	CreatedAt time.Time
	ExpiresAt time.Time

	Revoked   bool
	RevokedAt time.Time
}

// Clone returns a deep copy.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

// RefreshToken is bound one-to-one to the access token it was issued with.
type RefreshToken struct {
	TokenHash       string
	AccessTokenHash string
	ClientID        string
	UserID          string

	// Scopes is the scope of the paired access token.
	Scopes []string

	// GrantedScopes is the scope the resource owner originally granted. A
	// rotation may request any subset of it.
	GrantedScopes []string

	FamilyID   string
	Generation int

	CreatedAt time.Time
	ExpiresAt time.Time

	Revoked   bool
	RevokedAt time.Time
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	out.GrantedScopes = slices.Clone(t.GrantedScopes)
	return &out
}

// TokenPair is an access token and the refresh token issued alongside it.
type TokenPair struct {
	Access  *AccessToken
	Refresh *RefreshToken
}

// SweepResult counts rows removed by DeleteExpired.
type SweepResult struct {
	Codes         int
	AccessTokens  int
	RefreshTokens int
}

// Total is the number of rows removed.
func (r SweepResult) Total() int {
	return r.Codes + r.AccessTokens + r.RefreshTokens
}
