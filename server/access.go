package server

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// AccessTokenManager issues, validates and revokes opaque access tokens.
type AccessTokenManager struct {
	*core
}

// newToken mints an access token without storing it.
func (m *AccessTokenManager) newToken(clientID, userID string, scopes []string, familyID string, now time.Time) (string, *storage.AccessToken) {
	token := m.tokens.GenerateID()
	return token, &storage.AccessToken{
		TokenHash: security.TokenKey(token),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    slices.Clone(scopes),
		FamilyID:  familyID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.AccessTTL()),
	}
}

// Issue stores a new access token and returns its plaintext and record.
func (m *AccessTokenManager) Issue(ctx context.Context, clientID, userID string, scopes []string, familyID string) (string, *storage.AccessToken, error) {
	token, record := m.newToken(clientID, userID, scopes, familyID, m.now())
	if err := m.store.SaveAccessToken(ctx, record); err != nil {
		return "", nil, classify(OpExchange, err)
	}
	return token, record, nil
}

// Validate resolves token to its record. Unknown, revoked and expired tokens
// fail with KindNotFound, KindRevoked and KindExpired respectively.
func (m *AccessTokenManager) Validate(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, newError(OpValidate, KindNotFound, "")
	}

	record, err := m.store.GetAccessToken(ctx, security.TokenKey(token))
	if err != nil {
		return nil, classify(OpValidate, err)
	}
	if record.Revoked {
		return nil, newError(OpValidate, KindRevoked, "")
	}
	if security.IsExpired(m.now(), record.ExpiresAt) {
		return nil, newError(OpValidate, KindExpired, "")
	}
	return record, nil
}

// lookup returns the stored record for token in any state.
func (m *AccessTokenManager) lookup(ctx context.Context, token string) (*storage.AccessToken, error) {
	return m.store.GetAccessToken(ctx, security.TokenKey(token))
}

// Revoke marks token revoked. Unknown and already revoked tokens succeed
// without changes.
func (m *AccessTokenManager) Revoke(ctx context.Context, token string) error {
	hash := security.TokenKey(token)
	err := m.store.RevokeAccessToken(ctx, hash, m.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return classify(OpRevoke, err)
	}

	m.logger.Debug("Revoked access token",
		"token_id", util.SafeTruncate(hash, tokenIDLogLength))
	m.metrics.RecordTokenRevocation(ctx, "access_token", "explicit", 1)
	return nil
}

// expiresIn is the expires_in value reported for a token.
func expiresIn(now, expiresAt time.Time) int64 {
	return int64(security.Remaining(now, expiresAt) / time.Second)
}
