package server

import (
	"time"
)

// Config holds authorization server configuration. Zero values select the
// defaults noted on each field.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// BcryptCost is the work factor for client secret hashes
	BcryptCost int // default: 10

	// SupportedScopes lists the scopes clients may be registered with.
	// If empty, any syntactically valid scope is accepted.
	SupportedScopes []string

	// RequirePKCE makes code_challenge mandatory at the authorize step.
	// Default: false (PKCE is optional but always verified when present)
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: 'plain' offers no protection against an attacker who can read
	// the authorization request. S256 is always accepted.
	// Default: false
	AllowPKCEPlain bool

	// AllowInsecureRedirectURIs accepts plain http redirect URIs for
	// non-loopback hosts at registration.
	// WARNING: Codes sent over http can be intercepted.
	// Default: false
	AllowInsecureRedirectURIs bool

	// DisableReplayRevocation stops the server from revoking a whole token
	// family when a consumed code or a rotated refresh token is presented
	// again.
	// WARNING: Without revocation a stolen token keeps working for whoever
	// rotated it first.
	// Default: false (replay revokes the family)
	DisableReplayRevocation bool

	// ClientSecretMaxAge rejects client secrets older than this. Rotating
	// the secret restarts the clock.
	ClientSecretMaxAge int64 // seconds, default: 0 (secrets never expire)

	// MaxRefreshTokensPerUserClient caps concurrently live refresh tokens per
	// (client, user). When a new exchange would exceed it, the oldest
	// families are revoked.
	MaxRefreshTokensPerUserClient int // default: 0 (unlimited)

	// ClientAuthAttemptsPerMinute throttles client authentication per
	// client ID. Throttled attempts fail without checking the secret.
	ClientAuthAttemptsPerMinute int // default: 60, negative disables

	// CleanupInterval is how often the janitor sweeps expired rows
	CleanupInterval int64 // seconds, default: 300 (5 minutes)

	// ExpiredRetention keeps expired rows this long before the janitor
	// deletes them, so late replays of consumed codes are still detected.
	ExpiredRetention int64 // seconds, default: 86400 (1 day)
}

// CodeTTL returns AuthorizationCodeTTL as a duration.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTTL returns AccessTokenTTL as a duration.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns RefreshTokenTTL as a duration.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// SecretMaxAge returns ClientSecretMaxAge as a duration.
func (c *Config) SecretMaxAge() time.Duration {
	return time.Duration(c.ClientSecretMaxAge) * time.Second
}

// CleanupEvery returns CleanupInterval as a duration.
func (c *Config) CleanupEvery() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// Retention returns ExpiredRetention as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.ExpiredRetention) * time.Second
}
