package server

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// Revocation reasons reported in logs, audit events and metrics.
const (
	reasonCodeReplay    = "authorization_code_reuse"
	reasonRefreshReplay = "refresh_token_reuse"
	reasonExplicit      = "explicit"
	reasonCapExceeded   = "refresh_token_cap"
)

// Rotation is the outcome of a successful refresh token rotation.
type Rotation struct {
	AccessToken  string
	RefreshToken string
	Pair         *storage.TokenPair

	// Previous is the refresh token that was rotated away.
	Previous *storage.RefreshToken
}

// RefreshTokenManager issues refresh tokens and rotates them on every use.
type RefreshTokenManager struct {
	*core

	access *AccessTokenManager
}

// Issue stores a refresh token paired with access. grantedScopes bounds every
// later rotation; nil means the access token's scopes.
func (m *RefreshTokenManager) Issue(ctx context.Context, access *storage.AccessToken, grantedScopes []string) (string, *storage.RefreshToken, error) {
	if grantedScopes == nil {
		grantedScopes = access.Scopes
	}

	token := m.tokens.GenerateID()
	now := m.now()
	record := &storage.RefreshToken{
		TokenHash:       security.TokenKey(token),
		AccessTokenHash: access.TokenHash,
		ClientID:        access.ClientID,
		UserID:          access.UserID,
		Scopes:          slices.Clone(access.Scopes),
		GrantedScopes:   slices.Clone(grantedScopes),
		FamilyID:        access.FamilyID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.config.RefreshTTL()),
	}
	if err := m.store.SaveRefreshToken(ctx, record); err != nil {
		return "", nil, classify(OpExchange, err)
	}
	return token, record, nil
}

// Rotate exchanges a refresh token for a new token pair. The old refresh
// token and its access token are revoked in the same store operation, so of
// two concurrent rotations at most one succeeds.
//
// An empty scopes request keeps the originally granted scope; otherwise the
// request must be a subset of it. A non-empty clientID must match the client
// the token was issued to.
//
// Presenting a token that was already rotated or revoked fails with
// KindAlreadyConsumed and, unless disabled, revokes its whole family.
func (m *RefreshTokenManager) Rotate(ctx context.Context, token, clientID string, scopes []string) (*Rotation, error) {
	ctx, span := m.startSpan(ctx, "rotate_refresh_token")
	defer span.End()

	if token == "" {
		return nil, newError(OpRefresh, KindInvalidRequest, "refresh_token is required")
	}
	requested := util.NormalizeScopes(scopes)
	hash := security.TokenKey(token)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTokenKeyPrefix, util.SafeTruncate(hash, tokenIDLogLength)))

	now := m.now()
	accessToken, access := m.access.newToken("", "", nil, "", now)
	refreshToken := m.tokens.GenerateID()
	next := &storage.TokenPair{
		Access: access,
		Refresh: &storage.RefreshToken{
			TokenHash:       security.TokenKey(refreshToken),
			AccessTokenHash: access.TokenHash,
			CreatedAt:       now,
			ExpiresAt:       now.Add(m.config.RefreshTTL()),
		},
	}

	old, err := m.store.RotateRefreshToken(ctx, hash, now, func(stored *storage.RefreshToken) error {
		if clientID != "" && stored.ClientID != clientID {
			return newError(OpRefresh, KindClientMismatch, "refresh token was issued to another client")
		}

		granted := stored.GrantedScopes
		if len(granted) == 0 {
			granted = stored.Scopes
		}
		narrowed := granted
		if len(requested) > 0 {
			if !util.IsSubset(requested, granted) {
				return newError(OpRefresh, KindScopeNotAllowed, "requested scope exceeds the original grant")
			}
			narrowed = requested
		}

		next.Access.ClientID = stored.ClientID
		next.Access.UserID = stored.UserID
		next.Access.Scopes = slices.Clone(narrowed)
		next.Access.FamilyID = stored.FamilyID

		next.Refresh.ClientID = stored.ClientID
		next.Refresh.UserID = stored.UserID
		next.Refresh.Scopes = slices.Clone(narrowed)
		next.Refresh.GrantedScopes = slices.Clone(granted)
		next.Refresh.FamilyID = stored.FamilyID
		next.Refresh.Generation = stored.Generation + 1
		return nil
	}, next)
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, storage.ErrAlreadyConsumed) && old != nil {
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, true))
			m.handleReplay(ctx, old)
		}
		return nil, classify(OpRefresh, err)
	}

	instrumentation.AddTokenFamilyAttributes(span, old.FamilyID, next.Refresh.Generation)
	instrumentation.SetSpanSuccess(span)

	m.logger.Debug("Rotated refresh token",
		"client_id", old.ClientID,
		"family_id", util.SafeTruncate(old.FamilyID, tokenIDLogLength),
		"generation", next.Refresh.Generation)
	m.auditor.LogTokenRefreshed(old.UserID, old.ClientID, next.Refresh.Generation)
	m.metrics.RecordTokenRefresh(ctx, old.ClientID)

	return &Rotation{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Pair:         next,
		Previous:     old,
	}, nil
}

// handleReplay reacts to a refresh token presented after it was rotated or
// revoked.
func (m *RefreshTokenManager) handleReplay(ctx context.Context, old *storage.RefreshToken) {
	m.metrics.RecordTokenReuseDetected(ctx)

	revoked := 0
	if !m.config.DisableReplayRevocation {
		n, err := m.revokeFamily(ctx, old.FamilyID, reasonRefreshReplay)
		if err != nil {
			m.logger.Error("Failed to revoke token family after refresh token reuse",
				"client_id", old.ClientID,
				"family_id", util.SafeTruncate(old.FamilyID, tokenIDLogLength),
				"error", err)
		}
		revoked = n
	}

	m.logger.Warn("Refresh token reuse detected",
		"client_id", old.ClientID,
		"family_id", util.SafeTruncate(old.FamilyID, tokenIDLogLength),
		"generation", old.Generation,
		"tokens_revoked", revoked)
	m.auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected, old.UserID, old.ClientID, revoked)
}

// Revoke revokes a refresh token and the access token paired with it.
// Unknown and already revoked tokens succeed without changes.
func (m *RefreshTokenManager) Revoke(ctx context.Context, token string) error {
	hash := security.TokenKey(token)
	err := m.store.RevokeRefreshToken(ctx, hash, m.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return classify(OpRevoke, err)
	}

	m.logger.Debug("Revoked refresh token",
		"token_id", util.SafeTruncate(hash, tokenIDLogLength))
	m.metrics.RecordTokenRevocation(ctx, "refresh_token", reasonExplicit, 1)
	return nil
}

// RevokeFamily revokes every token descending from one authorization code
// and returns how many tokens were newly revoked.
func (m *RefreshTokenManager) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return m.revokeFamily(ctx, familyID, reasonExplicit)
}

func (m *RefreshTokenManager) revokeFamily(ctx context.Context, familyID, reason string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	n, err := m.store.RevokeTokenFamily(ctx, familyID, m.now())
	if err != nil {
		return 0, classify(OpRevoke, err)
	}
	if n > 0 {
		m.logger.Info("Revoked token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"reason", reason,
			"tokens_revoked", n)
		m.metrics.RecordTokenRevocation(ctx, "family", reason, n)
	}
	return n, nil
}

// lookup returns the stored record for token in any state.
func (m *RefreshTokenManager) lookup(ctx context.Context, token string) (*storage.RefreshToken, error) {
	return m.store.GetRefreshToken(ctx, security.TokenKey(token))
}
