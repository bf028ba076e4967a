package security

import "time"

// IsExpired reports whether a value with the given expiry is no longer valid
// at now. Expiry is strict: a token is invalid from expiresAt onwards. A zero
// expiresAt never expires.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// Remaining returns the lifetime left at now, rounded down to whole seconds
// and never negative. It is what token responses report as expires_in.
func Remaining(now, expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() || !now.Before(expiresAt) {
		return 0
	}
	return expiresAt.Sub(now).Truncate(time.Second)
}
