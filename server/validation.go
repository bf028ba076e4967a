package server

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// validateCodeChallenge checks a challenge presented at the authorize step.
// An empty method is "plain", as RFC 7636 section 4.3 prescribes.
func (c *core) validateCodeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("code_challenge_method without code_challenge")
		}
		if c.config.RequirePKCE {
			return "", fmt.Errorf("code_challenge is required")
		}
		return "", nil
	}

	if method == "" {
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
		// base64url of a SHA-256 digest without padding
		if len(challenge) != 43 {
			return "", fmt.Errorf("S256 code_challenge must be 43 characters")
		}
		if !isVerifierCharset(challenge) {
			return "", fmt.Errorf("code_challenge contains invalid characters")
		}
	case PKCEMethodPlain:
		if !c.config.AllowPKCEPlain {
			return "", fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		if err := validateVerifierFormat(challenge); err != nil {
			return "", fmt.Errorf("plain code_challenge: %w", err)
		}
		c.logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	return method, nil
}

// verifyPKCE validates the code verifier against the stored challenge per
// RFC 7636. Codes issued without a challenge accept no verifier.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier sent for a code issued without code_challenge")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := validateVerifierFormat(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateVerifierFormat enforces the RFC 7636 length and charset.
func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isVerifierCharset(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}
	return nil
}

func isVerifierCharset(s string) bool {
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}
