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

const tokenIDLogLength = 8

const codeColumns = `code_hash, client_id, user_id, redirect_uri, scopes, state,
	code_challenge, code_challenge_method, created_at, expires_at, used, used_at`

// SaveAuthorizationCode inserts a new code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash is required")
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO oauth_authorization_codes (`+codeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		code.CodeHash,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		joinScopes(code.Scopes),
		code.State,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		toNanos(code.CreatedAt),
		toNanos(code.ExpiresAt),
		flag(code.Used),
		toNanos(code.UsedAt),
	)
	if err != nil {
		return insertErr("authorization code", err)
	}
	return nil
}

// GetAuthorizationCode returns a code by hash.
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	return s.getCode(ctx, s.db, codeHash)
}

// ConsumeAuthorizationCode marks a code used inside a transaction. The flip
// only succeeds while used is still 0, so one of several concurrent callers
// wins.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, check func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	code, err := s.getCode(ctx, tx, codeHash)
	if err != nil {
		return nil, err
	}
	if code.Used {
		s.logger.Debug("Authorization code already used",
			"code_prefix", util.SafeTruncate(codeHash, tokenIDLogLength),
			"used_at", code.UsedAt)
		return code, storage.ErrAlreadyConsumed
	}
	if security.IsExpired(now, code.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if check != nil {
		if err := check(code); err != nil {
			return nil, err
		}
	}

	flipped, err := execOne(ctx, tx, s.q(`UPDATE oauth_authorization_codes SET used = 1, used_at = ?
		WHERE code_hash = ? AND used = 0`), toNanos(now), codeHash)
	if err != nil {
		return nil, fmt.Errorf("marking code used: %w", err)
	}
	if !flipped {
		return code, storage.ErrAlreadyConsumed
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing code consumption: %w", err)
	}

	code.Used = true
	code.UsedAt = now
	return code, nil
}

func (s *Store) getCode(ctx context.Context, db querier, codeHash string) (*storage.AuthorizationCode, error) {
	var (
		c                        storage.AuthorizationCode
		scopes                   string
		created, expires, usedAt int64
	)
	err := db.QueryRowContext(ctx, s.q(`SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code_hash = ?`), codeHash).Scan(
		&c.CodeHash,
		&c.ClientID,
		&c.UserID,
		&c.RedirectURI,
		&scopes,
		&c.State,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&created,
		&expires,
		&c.Used,
		&usedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization code: %w", err)
	}

	c.Scopes = splitScopes(scopes)
	c.CreatedAt = fromNanos(created)
	c.ExpiresAt = fromNanos(expires)
	c.UsedAt = fromNanos(usedAt)
	return &c, nil
}
