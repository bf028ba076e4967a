package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

func marshalAccess(t *storage.AccessToken) ([]byte, error) {
	return json.Marshal(storedAccess{
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    t.Scopes,
		FamilyID:  t.FamilyID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	})
}

func marshalRefresh(t *storage.RefreshToken) ([]byte, error) {
	return json.Marshal(storedRefresh{
		AccessTokenHash: t.AccessTokenHash,
		ClientID:        t.ClientID,
		UserID:          t.UserID,
		Scopes:          t.Scopes,
		GrantedScopes:   t.GrantedScopes,
		FamilyID:        t.FamilyID,
		Generation:      t.Generation,
		CreatedAt:       t.CreatedAt,
		ExpiresAt:       t.ExpiresAt,
	})
}

// SaveAccessToken stores an access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}
	data, err := marshalAccess(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	key := s.keys.access(token.TokenHash)
	familyKey, familyFlag := optionalKey(s.keys.familyAccess(token.FamilyID), key)
	inserted, err := insertScript.Run(ctx, s.client,
		[]string{key, s.keys.expiry(kindAccess), familyKey, key},
		token.TokenHash, data, "revoked", boolFlag(token.Revoked), nanos(token.RevokedAt),
		s.ttl(token.CreatedAt, token.ExpiresAt), score(token.ExpiresAt), score(token.CreatedAt),
		familyFlag, "0",
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if inserted == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetAccessToken returns an access token by hash.
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.access(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	var rec storedAccess
	if err := decode(fields, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return rec.toAccess(tokenHash, fields)
}

// RevokeAccessToken marks an access token revoked.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string, at time.Time) error {
	n, err := revokeScript.Run(ctx, s.client, []string{s.keys.access(tokenHash)}, nanos(at)).Int()
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if n < 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}
	data, err := marshalRefresh(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.keys.refresh(token.TokenHash)
	familyKey, familyFlag := optionalKey(s.keys.familyRefresh(token.FamilyID), key)
	inserted, err := insertScript.Run(ctx, s.client,
		[]string{key, s.keys.expiry(kindRefresh), familyKey, s.keys.active(token.ClientID, token.UserID)},
		token.TokenHash, data, "revoked", boolFlag(token.Revoked), nanos(token.RevokedAt),
		s.ttl(token.CreatedAt, token.ExpiresAt), score(token.ExpiresAt), score(token.CreatedAt),
		familyFlag, "1",
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if inserted == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetRefreshToken returns a refresh token by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.refresh(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	var rec storedRefresh
	if err := decode(fields, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return rec.toRefresh(tokenHash, fields)
}

// RevokeRefreshToken revokes a refresh token and its paired access token.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) error {
	token, err := s.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return err
	}

	n, err := revokeScript.Run(ctx, s.client,
		[]string{s.keys.refresh(tokenHash), s.keys.access(token.AccessTokenHash)},
		nanos(at),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if n < 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RotateRefreshToken reads the old token, runs the checks and then swaps in
// next with a script that only succeeds while the old token is unrevoked.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, check func(*storage.RefreshToken) error, next *storage.TokenPair) (*storage.RefreshToken, error) {
	if next == nil || next.Access == nil || next.Refresh == nil {
		return nil, fmt.Errorf("replacement token pair is required")
	}

	old, err := s.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		s.logger.Debug("Refresh token already revoked",
			"token_prefix", util.SafeTruncate(tokenHash, tokenIDLogLength),
			"family_id", util.SafeTruncate(old.FamilyID, tokenIDLogLength))
		return old, storage.ErrAlreadyConsumed
	}
	if security.IsExpired(now, old.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if check != nil {
		if err := check(old); err != nil {
			return nil, err
		}
	}

	accessData, err := marshalAccess(next.Access)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal access token: %w", err)
	}
	refreshData, err := marshalRefresh(next.Refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	accessKey := s.keys.access(next.Access.TokenHash)
	refreshKey := s.keys.refresh(next.Refresh.TokenHash)
	accessFamily, accessFamilyFlag := optionalKey(s.keys.familyAccess(next.Access.FamilyID), accessKey)
	refreshFamily, refreshFamilyFlag := optionalKey(s.keys.familyRefresh(next.Refresh.FamilyID), refreshKey)
	result, err := rotateScript.Run(ctx, s.client,
		[]string{
			s.keys.refresh(tokenHash),
			s.keys.access(old.AccessTokenHash),
			accessKey,
			refreshKey,
			s.keys.expiry(kindAccess),
			s.keys.expiry(kindRefresh),
			accessFamily,
			refreshFamily,
			s.keys.active(next.Refresh.ClientID, next.Refresh.UserID),
		},
		nanos(now),
		next.Access.TokenHash, accessData,
		s.ttl(next.Access.CreatedAt, next.Access.ExpiresAt), score(next.Access.ExpiresAt),
		next.Refresh.TokenHash, refreshData,
		s.ttl(next.Refresh.CreatedAt, next.Refresh.ExpiresAt), score(next.Refresh.ExpiresAt),
		score(next.Refresh.CreatedAt),
		accessFamilyFlag, refreshFamilyFlag,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	switch result {
	case 0:
		return old, storage.ErrAlreadyConsumed
	case -1:
		return nil, storage.ErrAlreadyExists
	}

	old.Revoked = true
	old.RevokedAt = now
	return old, nil
}

// RevokeTokenFamily revokes every token with the given family ID.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	n, err := revokeFamilyScript.Run(ctx, s.client,
		[]string{s.keys.familyAccess(familyID), s.keys.familyRefresh(familyID)},
		nanos(at), s.keys.access(""), s.keys.refresh(""),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Revoked token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", n)
	}
	return n, nil
}

// ListActiveRefreshTokens returns live refresh tokens for a client and user,
// oldest first.
func (s *Store) ListActiveRefreshTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*storage.RefreshToken, error) {
	hashes, err := s.client.ZRange(ctx, s.keys.active(clientID, userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	var out []*storage.RefreshToken
	for _, hash := range hashes {
		token, err := s.GetRefreshToken(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if token.Revoked || security.IsExpired(now, token.ExpiresAt) {
			continue
		}
		out = append(out, token)
	}
	slices.SortFunc(out, func(a, b *storage.RefreshToken) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.TokenHash, b.TokenHash))
	})
	return out, nil
}
