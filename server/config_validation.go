package server

import (
	"fmt"
	"log/slog"

	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
)

// Limits enforced by validateConfig.
const (
	// maxCodeTTL bounds authorization codes; RFC 6749 recommends ten minutes.
	maxCodeTTL = 600

	// minRefreshTTL keeps refresh tokens outliving the access tokens they
	// replace.
	minRefreshTTL = 60
)

// applySecureDefaults fills zero values and warns about weakened settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 300 // 5 minutes
	}
	if config.ExpiredRetention == 0 {
		config.ExpiredRetention = 86400 // 1 day
	}
}

// applySecurityDefaults sets defaults for hashing and throttling
func applySecurityDefaults(config *Config) {
	if config.BcryptCost == 0 {
		config.BcryptCost = security.DefaultBcryptCost
	}
	if config.ClientAuthAttemptsPerMinute == 0 {
		config.ClientAuthAttemptsPerMinute = 60
	}
	config.SupportedScopes = util.NormalizeScopes(config.SupportedScopes)
}

// validateConfig rejects settings that would break the protocol rather than
// merely weaken it.
func validateConfig(config *Config) error {
	if config.AuthorizationCodeTTL < 0 || config.AccessTokenTTL < 0 || config.RefreshTokenTTL < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	if config.AuthorizationCodeTTL > maxCodeTTL {
		return fmt.Errorf("AuthorizationCodeTTL must be at most %d seconds, got %d", maxCodeTTL, config.AuthorizationCodeTTL)
	}
	if config.RefreshTokenTTL < minRefreshTTL {
		return fmt.Errorf("RefreshTokenTTL must be at least %d seconds, got %d", minRefreshTTL, config.RefreshTokenTTL)
	}
	if config.ClientSecretMaxAge < 0 {
		return fmt.Errorf("ClientSecretMaxAge must not be negative")
	}
	if config.MaxRefreshTokensPerUserClient < 0 {
		return fmt.Errorf("MaxRefreshTokensPerUserClient must not be negative")
	}
	if config.CleanupInterval < 0 || config.ExpiredRetention < 0 {
		return fmt.Errorf("cleanup settings must not be negative")
	}
	for _, scope := range config.SupportedScopes {
		if !util.ValidScopeToken(scope) {
			return fmt.Errorf("invalid supported scope %q", scope)
		}
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.AllowInsecureRedirectURIs {
		logger.Warn("⚠️  SECURITY WARNING: Insecure redirect URIs are ALLOWED",
			"risk", "Authorization code interception over plain http",
			"recommendation", "Set AllowInsecureRedirectURIs=false and register https or loopback URIs")
	}
	if config.DisableReplayRevocation {
		logger.Warn("⚠️  SECURITY WARNING: Replay revocation is DISABLED",
			"risk", "Stolen refresh tokens stay usable after reuse is detected",
			"recommendation", "Set DisableReplayRevocation=false",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-security-topics#section-4.14")
	}
	if config.ClientAuthAttemptsPerMinute < 0 {
		logger.Warn("⚠️  SECURITY NOTICE: Client authentication throttling is DISABLED",
			"risk", "Online guessing of client secrets")
	}
	if config.BcryptCost < security.DefaultBcryptCost {
		logger.Warn("⚠️  SECURITY NOTICE: Low bcrypt cost for client secrets",
			"cost", config.BcryptCost,
			"recommendation", fmt.Sprintf("Use a cost of at least %d", security.DefaultBcryptCost))
	}
}
