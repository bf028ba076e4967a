package storage

import (
	"context"
	"time"
)

// ClientStore persists OAuth clients. Clients are never hard-deleted.
type ClientStore interface {
	// CreateClient inserts a client. Returns ErrAlreadyExists on ID collision.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient returns the client, active or not, or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns clients owned by ownerID, or all clients when
	// ownerID is empty, ordered by creation time.
	ListClients(ctx context.Context, ownerID string) ([]*Client, error)

	// UpdateClientSecret replaces the stored secret hash.
	UpdateClientSecret(ctx context.Context, clientID, secretHash string, rotatedAt time.Time) error

	// DeactivateClient marks the client inactive. Deactivating an inactive
	// client is a no-op.
	DeactivateClient(ctx context.Context, clientID string, at time.Time) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode inserts a new unused code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code regardless of state, or ErrNotFound.
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode marks the code used exactly once.
	//
	// It fails with ErrNotFound when absent, with ErrAlreadyConsumed when the
	// code was used before (the stored record is returned alongside so the
	// caller can act on the replay) and with ErrExpired when now is at or past
	// ExpiresAt. Otherwise check runs against the stored record; a non-nil
	// result is returned unchanged and leaves the code unused. Only then is
	// the code flipped to used. Losing a concurrent race to flip it yields
	// ErrAlreadyConsumed.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, check func(*AuthorizationCode) error) (*AuthorizationCode, error)
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken inserts an access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the token regardless of state, or ErrNotFound.
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeAccessToken marks the token revoked. Revoking a revoked token is
	// a no-op; an unknown token yields ErrNotFound.
	RevokeAccessToken(ctx context.Context, tokenHash string, at time.Time) error

	// SaveRefreshToken inserts a refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the token regardless of state, or ErrNotFound.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RevokeRefreshToken marks the refresh token and its paired access token
	// revoked. Unknown tokens yield ErrNotFound.
	RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) error

	// RotateRefreshToken replaces a refresh token with next in one indivisible
	// step.
	//
	// It fails with ErrNotFound when absent, with ErrAlreadyConsumed when the
	// token is revoked (the stored record is returned alongside) and with
	// ErrExpired when now is at or past ExpiresAt. Otherwise check runs
	// against the stored record and a non-nil result aborts without changes.
	// On success the old refresh token and its paired access token are
	// revoked and both tokens of next are inserted. Losing a concurrent race
	// yields ErrAlreadyConsumed.
	RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, check func(*RefreshToken) error, next *TokenPair) (*RefreshToken, error)

	// RevokeTokenFamily revokes every access and refresh token carrying
	// familyID and returns how many were newly revoked.
	RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error)

	// ListActiveRefreshTokens returns unrevoked, unexpired refresh tokens for
	// the client and user, oldest first.
	ListActiveRefreshTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*RefreshToken, error)
}

// Sweeper removes expired rows. Expired rows are rejected on read anyway, so
// sweeping only reclaims space.
type Sweeper interface {
	DeleteExpired(ctx context.Context, before time.Time) (SweepResult, error)
}

// Store is the full persistence contract.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	Sweeper

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
