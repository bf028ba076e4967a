package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Auditor writes security events with hashed user identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	// limiter throttles events per type and client. Nil means unthrottled.
	limiter *RateLimiter
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetRateLimiter throttles events per (type, client). Dropped events are not
// counted anywhere; metrics carry the authoritative totals.
func (a *Auditor) SetRateLimiter(rl *RateLimiter) {
	a.limiter = rl
}

// Event is one audit record.
type Event struct {
	ID        string
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent writes event unless auditing is disabled or the event is throttled.
// It returns the event ID, or "" when nothing was written.
func (a *Auditor) LogEvent(event Event) string {
	if a == nil || !a.enabled {
		return ""
	}
	if a.limiter != nil && !a.limiter.Allow(event.Type+"|"+event.ClientID) {
		return ""
	}

	event.ID = uuid.NewString()
	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	return event.ID
}

// LogCodeIssued logs issuance of an authorization code.
func (a *Auditor) LogCodeIssued(userID, clientID string, scopes []string, pkce bool) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": strings.Join(scopes, " "),
			"pkce":  pkce,
		},
	})
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID, clientID string, scopes []string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": strings.Join(scopes, " "),
		},
	})
}

// LogTokenRefreshed logs a refresh rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogReuseDetected logs a replayed code or refresh token and the size of the
// family revoked in response.
func (a *Auditor) LogReuseDetected(eventType, userID, clientID string, revoked int) {
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":       "critical",
			"tokens_revoked": revoked,
		},
	})
}

// LogFamilyRevoked logs revocation of a token family.
func (a *Auditor) LogFamilyRevoked(userID, clientID, reason string, revoked int) {
	a.LogEvent(Event{
		Type:     EventTokenFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason":         reason,
			"tokens_revoked": revoked,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a throttled client.
func (a *Auditor) LogRateLimitExceeded(clientID string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		ClientID: clientID,
	})
}

// LogClientEvent logs a client lifecycle change (registered, rotated, deactivated).
func (a *Auditor) LogClientEvent(eventType, clientID, ownerID string) {
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   ownerID,
		ClientID: clientID,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
