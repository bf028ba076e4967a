// Package security holds the cryptographic primitives and defensive helpers
// used by the authorization server.
//
// # Secrets and tokens
//
// SecretHasher stores client secrets as bcrypt hashes. Verification always
// performs exactly one bcrypt comparison, including when the caller has no
// hash to compare against (see VerifyDummy), so an unknown client and a wrong
// secret take the same time to reject.
//
// TokenGenerator produces 256-bit URL-safe identifiers for client IDs,
// client secrets, authorization codes and tokens. Codes and tokens are never
// persisted in plaintext; stores key them by TokenKey, a SHA-256 digest.
//
// # Audit logging
//
// Auditor writes structured security events through slog. User identifiers
// are hashed before logging and events can be throttled per key with a
// RateLimiter so a replay storm cannot flood the log.
//
// # Rate limiting
//
// RateLimiter is a token-bucket limiter per identifier with LRU eviction to
// bound memory under a distributed attack.
//
//	limiter := security.NewRateLimiter(1, 5, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientID) {
//	    // too many failed authentications for this client
//	}
package security
