package security

// Event types written by Auditor.
const (
	// Authorization codes

	// EventAuthorizationCodeIssued is logged when a code is issued at the authorize step
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Tokens

	// EventTokenIssued is logged when a token pair is issued for a code
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshTokenReuseDetected is logged when a rotated or revoked refresh token is presented
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventTokenRevoked is logged on explicit revocation of a single token
	EventTokenRevoked = "token_revoked"

	// EventTokenFamilyRevoked is logged when every token descending from one code is revoked
	EventTokenFamilyRevoked = "token_family_revoked"

	// Clients

	// EventClientRegistered is logged when a client is created
	EventClientRegistered = "client_registered"

	// EventClientSecretRotated is logged when a client secret is replaced
	EventClientSecretRotated = "client_secret_rotated" //nolint:gosec // G101: event name, not a credential

	// EventClientDeactivated is logged when a client is deactivated
	EventClientDeactivated = "client_deactivated"

	// Failures

	// EventAuthFailure is logged when an exchange, refresh or client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a client is throttled after repeated failures
	EventRateLimitExceeded = "rate_limit_exceeded"
)
