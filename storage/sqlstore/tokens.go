package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

const accessColumns = `token_hash, client_id, user_id, scopes, family_id,
	created_at, expires_at, revoked, revoked_at`

const refreshColumns = `token_hash, access_token_hash, client_id, user_id, scopes, granted_scopes,
	family_id, generation, created_at, expires_at, revoked, revoked_at`

// SaveAccessToken inserts an access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}
	return s.insertAccess(ctx, s.db, token)
}

func (s *Store) insertAccess(ctx context.Context, db querier, t *storage.AccessToken) error {
	_, err := db.ExecContext(ctx, s.q(`INSERT INTO oauth_access_tokens (`+accessColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.TokenHash,
		t.ClientID,
		t.UserID,
		joinScopes(t.Scopes),
		t.FamilyID,
		toNanos(t.CreatedAt),
		toNanos(t.ExpiresAt),
		flag(t.Revoked),
		toNanos(t.RevokedAt),
	)
	if err != nil {
		return insertErr("access token", err)
	}
	return nil
}

// GetAccessToken returns an access token by hash.
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	var (
		t                         storage.AccessToken
		scopes                    string
		created, expires, revoked int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+accessColumns+` FROM oauth_access_tokens WHERE token_hash = ?`), tokenHash).Scan(
		&t.TokenHash,
		&t.ClientID,
		&t.UserID,
		&scopes,
		&t.FamilyID,
		&created,
		&expires,
		&t.Revoked,
		&revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying access token: %w", err)
	}

	t.Scopes = splitScopes(scopes)
	t.CreatedAt = fromNanos(created)
	t.ExpiresAt = fromNanos(expires)
	t.RevokedAt = fromNanos(revoked)
	return &t, nil
}

// RevokeAccessToken marks an access token revoked.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string, at time.Time) error {
	changed, err := execOne(ctx, s.db, s.q(`UPDATE oauth_access_tokens SET revoked = 1, revoked_at = ?
		WHERE token_hash = ? AND revoked = 0`), toNanos(at), tokenHash)
	if err != nil {
		return fmt.Errorf("revoking access token: %w", err)
	}
	if changed {
		return nil
	}
	return s.exists(ctx, "oauth_access_tokens", tokenHash)
}

// SaveRefreshToken inserts a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}
	return s.insertRefresh(ctx, s.db, token)
}

func (s *Store) insertRefresh(ctx context.Context, db querier, t *storage.RefreshToken) error {
	_, err := db.ExecContext(ctx, s.q(`INSERT INTO oauth_refresh_tokens (`+refreshColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.TokenHash,
		t.AccessTokenHash,
		t.ClientID,
		t.UserID,
		joinScopes(t.Scopes),
		joinScopes(t.GrantedScopes),
		t.FamilyID,
		t.Generation,
		toNanos(t.CreatedAt),
		toNanos(t.ExpiresAt),
		flag(t.Revoked),
		toNanos(t.RevokedAt),
	)
	if err != nil {
		return insertErr("refresh token", err)
	}
	return nil
}

// GetRefreshToken returns a refresh token by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	return s.getRefresh(ctx, s.db, tokenHash)
}

func (s *Store) getRefresh(ctx context.Context, db querier, tokenHash string) (*storage.RefreshToken, error) {
	t, err := scanRefresh(db.QueryRowContext(ctx, s.q(`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token_hash = ?`), tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	return t, nil
}

// RevokeRefreshToken revokes a refresh token and its paired access token.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	token, err := s.getRefresh(ctx, tx, tokenHash)
	if err != nil {
		return err
	}
	if err := s.revokePair(ctx, tx, token, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing refresh token revocation: %w", err)
	}
	return nil
}

// RotateRefreshToken revokes the old pair and inserts next in one
// transaction. The revoke only succeeds while revoked is still 0, so one of
// several concurrent callers wins.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, check func(*storage.RefreshToken) error, next *storage.TokenPair) (*storage.RefreshToken, error) {
	if next == nil || next.Access == nil || next.Refresh == nil {
		return nil, fmt.Errorf("replacement token pair is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	old, err := s.getRefresh(ctx, tx, tokenHash)
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

	revoked, err := execOne(ctx, tx, s.q(`UPDATE oauth_refresh_tokens SET revoked = 1, revoked_at = ?
		WHERE token_hash = ? AND revoked = 0`), toNanos(now), tokenHash)
	if err != nil {
		return nil, fmt.Errorf("revoking refresh token: %w", err)
	}
	if !revoked {
		return old, storage.ErrAlreadyConsumed
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE oauth_access_tokens SET revoked = 1, revoked_at = ?
		WHERE token_hash = ? AND revoked = 0`), toNanos(now), old.AccessTokenHash); err != nil {
		return nil, fmt.Errorf("revoking paired access token: %w", err)
	}
	if err := s.insertAccess(ctx, tx, next.Access); err != nil {
		return nil, err
	}
	if err := s.insertRefresh(ctx, tx, next.Refresh); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing refresh token rotation: %w", err)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	total := 0
	for _, table := range []string{"oauth_access_tokens", "oauth_refresh_tokens"} {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET revoked = 1, revoked_at = ?
			WHERE family_id = ? AND revoked = 0`), toNanos(at), familyID)
		if err != nil {
			return 0, fmt.Errorf("revoking family in %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting revoked rows in %s: %w", table, err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing family revocation: %w", err)
	}

	if total > 0 {
		s.logger.Debug("Revoked token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", total)
	}
	return total, nil
}

// ListActiveRefreshTokens returns live refresh tokens for a client and user,
// oldest first.
func (s *Store) ListActiveRefreshTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*storage.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+refreshColumns+` FROM oauth_refresh_tokens
		WHERE client_id = ? AND user_id = ? AND revoked = 0 AND expires_at > ?
		ORDER BY created_at, token_hash`), clientID, userID, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("listing refresh tokens: %w", err)
	}
	defer rows.Close()

	var out []*storage.RefreshToken
	for rows.Next() {
		t, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning refresh token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating refresh tokens: %w", err)
	}
	return out, nil
}

func (s *Store) revokePair(ctx context.Context, db querier, token *storage.RefreshToken, at time.Time) error {
	if _, err := db.ExecContext(ctx, s.q(`UPDATE oauth_refresh_tokens SET revoked = 1, revoked_at = ?
		WHERE token_hash = ? AND revoked = 0`), toNanos(at), token.TokenHash); err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	if _, err := db.ExecContext(ctx, s.q(`UPDATE oauth_access_tokens SET revoked = 1, revoked_at = ?
		WHERE token_hash = ? AND revoked = 0`), toNanos(at), token.AccessTokenHash); err != nil {
		return fmt.Errorf("revoking paired access token: %w", err)
	}
	return nil
}

// exists returns nil when a row with the token hash exists, ErrNotFound
// otherwise.
func (s *Store) exists(ctx context.Context, table, tokenHash string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+table+` WHERE token_hash = ?`), tokenHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying %s: %w", table, err)
	}
	return nil
}

func scanRefresh(row rowScanner) (*storage.RefreshToken, error) {
	var (
		t                         storage.RefreshToken
		scopes, granted           string
		created, expires, revoked int64
	)
	if err := row.Scan(
		&t.TokenHash,
		&t.AccessTokenHash,
		&t.ClientID,
		&t.UserID,
		&scopes,
		&granted,
		&t.FamilyID,
		&t.Generation,
		&created,
		&expires,
		&t.Revoked,
		&revoked,
	); err != nil {
		return nil, err
	}

	t.Scopes = splitScopes(scopes)
	t.GrantedScopes = splitScopes(granted)
	t.CreatedAt = fromNanos(created)
	t.ExpiresAt = fromNanos(expires)
	t.RevokedAt = fromNanos(revoked)
	return &t, nil
}
