// Package mock provides a storage.Store wrapper that counts calls and injects
// failures, for testing how callers react to a misbehaving backend.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mcp-memory/authz/storage"
)

// Method names accepted by FailOn and Calls.
const (
	MethodCreateClient             = "CreateClient"
	MethodGetClient                = "GetClient"
	MethodListClients              = "ListClients"
	MethodUpdateClientSecret       = "UpdateClientSecret"
	MethodDeactivateClient         = "DeactivateClient"
	MethodSaveAuthorizationCode    = "SaveAuthorizationCode"
	MethodGetAuthorizationCode     = "GetAuthorizationCode"
	MethodConsumeAuthorizationCode = "ConsumeAuthorizationCode"
	MethodSaveAccessToken          = "SaveAccessToken"
	MethodGetAccessToken           = "GetAccessToken"
	MethodRevokeAccessToken        = "RevokeAccessToken"
	MethodSaveRefreshToken         = "SaveRefreshToken"
	MethodGetRefreshToken          = "GetRefreshToken"
	MethodRevokeRefreshToken       = "RevokeRefreshToken"
	MethodRotateRefreshToken       = "RotateRefreshToken"
	MethodRevokeTokenFamily        = "RevokeTokenFamily"
	MethodListActiveRefreshTokens  = "ListActiveRefreshTokens"
	MethodDeleteExpired            = "DeleteExpired"
	MethodPing                     = "Ping"
)

// Store delegates to a real store unless a failure is registered for the
// called method.
type Store struct {
	next storage.Store

	mu         sync.Mutex
	failures   map[string]error
	CallCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New wraps next.
func New(next storage.Store) *Store {
	return &Store{
		next:       next,
		failures:   make(map[string]error),
		CallCounts: make(map[string]int),
	}
}

// FailOn makes every later call to method return err. A nil err clears it.
func (m *Store) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns how many times method was invoked, including failed calls.
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *Store) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
	return m.failures[method]
}

func (m *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if err := m.enter(MethodCreateClient); err != nil {
		return err
	}
	return m.next.CreateClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.enter(MethodGetClient); err != nil {
		return nil, err
	}
	return m.next.GetClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	if err := m.enter(MethodListClients); err != nil {
		return nil, err
	}
	return m.next.ListClients(ctx, ownerID)
}

func (m *Store) UpdateClientSecret(ctx context.Context, clientID, secretHash string, rotatedAt time.Time) error {
	if err := m.enter(MethodUpdateClientSecret); err != nil {
		return err
	}
	return m.next.UpdateClientSecret(ctx, clientID, secretHash, rotatedAt)
}

func (m *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) error {
	if err := m.enter(MethodDeactivateClient); err != nil {
		return err
	}
	return m.next.DeactivateClient(ctx, clientID, at)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := m.enter(MethodSaveAuthorizationCode); err != nil {
		return err
	}
	return m.next.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	if err := m.enter(MethodGetAuthorizationCode); err != nil {
		return nil, err
	}
	return m.next.GetAuthorizationCode(ctx, codeHash)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, check func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	if err := m.enter(MethodConsumeAuthorizationCode); err != nil {
		return nil, err
	}
	return m.next.ConsumeAuthorizationCode(ctx, codeHash, now, check)
}

func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if err := m.enter(MethodSaveAccessToken); err != nil {
		return err
	}
	return m.next.SaveAccessToken(ctx, token)
}

func (m *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	if err := m.enter(MethodGetAccessToken); err != nil {
		return nil, err
	}
	return m.next.GetAccessToken(ctx, tokenHash)
}

func (m *Store) RevokeAccessToken(ctx context.Context, tokenHash string, at time.Time) error {
	if err := m.enter(MethodRevokeAccessToken); err != nil {
		return err
	}
	return m.next.RevokeAccessToken(ctx, tokenHash, at)
}

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := m.enter(MethodSaveRefreshToken); err != nil {
		return err
	}
	return m.next.SaveRefreshToken(ctx, token)
}

func (m *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	if err := m.enter(MethodGetRefreshToken); err != nil {
		return nil, err
	}
	return m.next.GetRefreshToken(ctx, tokenHash)
}

func (m *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) error {
	if err := m.enter(MethodRevokeRefreshToken); err != nil {
		return err
	}
	return m.next.RevokeRefreshToken(ctx, tokenHash, at)
}

func (m *Store) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, check func(*storage.RefreshToken) error, next *storage.TokenPair) (*storage.RefreshToken, error) {
	if err := m.enter(MethodRotateRefreshToken); err != nil {
		return nil, err
	}
	return m.next.RotateRefreshToken(ctx, tokenHash, now, check, next)
}

func (m *Store) RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	if err := m.enter(MethodRevokeTokenFamily); err != nil {
		return 0, err
	}
	return m.next.RevokeTokenFamily(ctx, familyID, at)
}

func (m *Store) ListActiveRefreshTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*storage.RefreshToken, error) {
	if err := m.enter(MethodListActiveRefreshTokens); err != nil {
		return nil, err
	}
	return m.next.ListActiveRefreshTokens(ctx, clientID, userID, now)
}

func (m *Store) DeleteExpired(ctx context.Context, before time.Time) (storage.SweepResult, error) {
	if err := m.enter(MethodDeleteExpired); err != nil {
		return storage.SweepResult{}, err
	}
	return m.next.DeleteExpired(ctx, before)
}

func (m *Store) Ping(ctx context.Context) error {
	if err := m.enter(MethodPing); err != nil {
		return err
	}
	return m.next.Ping(ctx)
}

func (m *Store) Close() error {
	return m.next.Close()
}
