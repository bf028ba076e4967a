package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// tokenIDLogLength is how many digest characters are logged for a code or token.
const tokenIDLogLength = 8

// Store is an in-memory storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode
	access  map[string]*storage.AccessToken
	refresh map[string]*storage.RefreshToken

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		access:          make(map[string]*storage.AccessToken),
		refresh:         make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation publishes row counts as gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	if inst == nil {
		return nil
	}
	count := func(n func() int) instrumentation.GaugeCallback {
		return func(context.Context) (int64, error) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(n()), nil
		}
	}
	return inst.RegisterStoreGauges(
		count(func() int { return len(s.clients) }),
		count(func() int { return len(s.codes) }),
		count(func() int { return len(s.access) }),
		count(func() int { return len(s.refresh) }),
	)
}

// ============================================================
// Clients
// ============================================================

// CreateClient stores a new client.
func (s *Store) CreateClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return storage.ErrAlreadyExists
	}
	s.clients[client.ClientID] = client.Clone()
	return nil
}

// GetClient returns a copy of the client.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client.Clone(), nil
}

// ListClients returns clients ordered by creation time.
func (s *Store) ListClients(_ context.Context, ownerID string) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *storage.Client) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ClientID, b.ClientID))
	})
	return out, nil
}

// UpdateClientSecret replaces the secret hash.
func (s *Store) UpdateClientSecret(_ context.Context, clientID, secretHash string, rotatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	client.SecretHash = secretHash
	client.SecretRotatedAt = rotatedAt
	return nil
}

// DeactivateClient marks a client inactive.
func (s *Store) DeactivateClient(_ context.Context, clientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	if client.Active {
		client.Active = false
		client.DeactivatedAt = at
	}
	return nil
}

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthorizationCode stores a new code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return storage.ErrAlreadyExists
	}
	s.codes[code.CodeHash] = code.Clone()
	return nil
}

// GetAuthorizationCode returns a copy of the code.
func (s *Store) GetAuthorizationCode(_ context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return code.Clone(), nil
}

// ConsumeAuthorizationCode marks a code used under the write lock.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, codeHash string, now time.Time, check func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if code.Used {
		s.logger.Debug("Authorization code already used",
			"code_prefix", util.SafeTruncate(codeHash, tokenIDLogLength),
			"used_at", code.UsedAt)
		return code.Clone(), storage.ErrAlreadyConsumed
	}
	if security.IsExpired(now, code.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if check != nil {
		if err := check(code.Clone()); err != nil {
			return nil, err
		}
	}

	code.Used = true
	code.UsedAt = now
	return code.Clone(), nil
}

// ============================================================
// Tokens
// ============================================================

// SaveAccessToken stores an access token.
func (s *Store) SaveAccessToken(_ context.Context, token *storage.AccessToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.access[token.TokenHash]; exists {
		return storage.ErrAlreadyExists
	}
	s.access[token.TokenHash] = token.Clone()
	return nil
}

// GetAccessToken returns a copy of the access token.
func (s *Store) GetAccessToken(_ context.Context, tokenHash string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.access[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return token.Clone(), nil
}

// RevokeAccessToken marks an access token revoked.
func (s *Store) RevokeAccessToken(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.access[tokenHash]
	if !ok {
		return storage.ErrNotFound
	}
	revokeAccess(token, at)
	return nil
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refresh[token.TokenHash]; exists {
		return storage.ErrAlreadyExists
	}
	s.refresh[token.TokenHash] = token.Clone()
	return nil
}

// GetRefreshToken returns a copy of the refresh token.
func (s *Store) GetRefreshToken(_ context.Context, tokenHash string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refresh[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return token.Clone(), nil
}

// RevokeRefreshToken revokes a refresh token and its paired access token.
func (s *Store) RevokeRefreshToken(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refresh[tokenHash]
	if !ok {
		return storage.ErrNotFound
	}
	revokeRefresh(token, at)
	if paired, ok := s.access[token.AccessTokenHash]; ok {
		revokeAccess(paired, at)
	}
	return nil
}

// RotateRefreshToken swaps a refresh token for next under the write lock.
func (s *Store) RotateRefreshToken(_ context.Context, tokenHash string, now time.Time, check func(*storage.RefreshToken) error, next *storage.TokenPair) (*storage.RefreshToken, error) {
	if next == nil || next.Access == nil || next.Refresh == nil {
		return nil, fmt.Errorf("replacement token pair is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refresh[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if old.Revoked {
		return old.Clone(), storage.ErrAlreadyConsumed
	}
	if security.IsExpired(now, old.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if check != nil {
		if err := check(old.Clone()); err != nil {
			return nil, err
		}
	}
	if _, exists := s.access[next.Access.TokenHash]; exists {
		return nil, storage.ErrAlreadyExists
	}
	if _, exists := s.refresh[next.Refresh.TokenHash]; exists {
		return nil, storage.ErrAlreadyExists
	}

	revokeRefresh(old, now)
	if paired, ok := s.access[old.AccessTokenHash]; ok {
		revokeAccess(paired, now)
	}
	s.access[next.Access.TokenHash] = next.Access.Clone()
	s.refresh[next.Refresh.TokenHash] = next.Refresh.Clone()

	return old.Clone(), nil
}

// RevokeTokenFamily revokes every token with the given family ID.
func (s *Store) RevokeTokenFamily(_ context.Context, familyID string, at time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, t := range s.access {
		if t.FamilyID == familyID && !t.Revoked {
			revokeAccess(t, at)
			revoked++
		}
	}
	for _, t := range s.refresh {
		if t.FamilyID == familyID && !t.Revoked {
			revokeRefresh(t, at)
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Debug("Revoked token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// ListActiveRefreshTokens returns live refresh tokens for a client and user.
func (s *Store) ListActiveRefreshTokens(_ context.Context, clientID, userID string, now time.Time) ([]*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.RefreshToken
	for _, t := range s.refresh {
		if t.ClientID != clientID || t.UserID != userID {
			continue
		}
		if t.Revoked || security.IsExpired(now, t.ExpiresAt) {
			continue
		}
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *storage.RefreshToken) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.TokenHash, b.TokenHash))
	})
	return out, nil
}

func revokeAccess(t *storage.AccessToken, at time.Time) {
	if !t.Revoked {
		t.Revoked = true
		t.RevokedAt = at
	}
}

func revokeRefresh(t *storage.RefreshToken, at time.Time) {
	if !t.Revoked {
		t.Revoked = true
		t.RevokedAt = at
	}
}

// ============================================================
// Maintenance
// ============================================================

// DeleteExpired removes codes and tokens that expired before the cutoff.
func (s *Store) DeleteExpired(_ context.Context, before time.Time) (storage.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res storage.SweepResult
	for k, c := range s.codes {
		if c.ExpiresAt.Before(before) {
			delete(s.codes, k)
			res.Codes++
		}
	}
	for k, t := range s.access {
		if t.ExpiresAt.Before(before) {
			delete(s.access, k)
			res.AccessTokens++
		}
	}
	for k, t := range s.refresh {
		if t.ExpiresAt.Before(before) {
			delete(s.refresh, k)
			res.RefreshTokens++
		}
	}
	return res, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, _ := s.DeleteExpired(context.Background(), time.Now())
			if res.Total() > 0 {
				s.mu.RLock()
				logger := s.logger
				s.mu.RUnlock()
				logger.Debug("Cleaned up expired entries",
					"codes", res.Codes,
					"access_tokens", res.AccessTokens,
					"refresh_tokens", res.RefreshTokens)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Stop ends the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close stops the store.
func (s *Store) Close() error {
	s.Stop()
	return nil
}
