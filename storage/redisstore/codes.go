package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// SaveAuthorizationCode stores a new code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash is required")
	}

	data, err := json.Marshal(storedCode{
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		State:               code.State,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt,
		ExpiresAt:           code.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.keys.code(code.CodeHash)
	inserted, err := insertScript.Run(ctx, s.client,
		[]string{key, s.keys.expiry(kindCode), key, key},
		code.CodeHash, data, "used", boolFlag(code.Used), nanos(code.UsedAt),
		s.ttl(code.CreatedAt, code.ExpiresAt), score(code.ExpiresAt), score(code.CreatedAt),
		"0", "0",
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if inserted == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetAuthorizationCode returns a code by hash.
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.code(codeHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	var rec storedCode
	if err := decode(fields, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return rec.toCode(codeHash, fields)
}

// ConsumeAuthorizationCode reads the code, runs the checks and then flips it
// to used with a script that only succeeds while the code is still unused.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, check func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	code, err := s.GetAuthorizationCode(ctx, codeHash)
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

	flipped, err := consumeScript.Run(ctx, s.client, []string{s.keys.code(codeHash)}, nanos(now)).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	switch flipped {
	case -1:
		// evicted between the read and the flip
		return nil, storage.ErrExpired
	case 0:
		return code, storage.ErrAlreadyConsumed
	}

	code.Used = true
	code.UsedAt = now
	return code, nil
}
