package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-memory/authz/internal/testutil"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

const (
	codeTTL    = 10 * time.Minute
	accessTTL  = time.Hour
	refreshTTL = 30 * 24 * time.Hour
	racers     = 16
)

var errCheck = errors.New("binding check failed")

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore) })
	t.Run("Codes", func(t *testing.T) { testCodes(t, newStore) })
	t.Run("CodeConsumeRace", func(t *testing.T) { testCodeConsumeRace(t, newStore) })
	t.Run("AccessTokens", func(t *testing.T) { testAccessTokens(t, newStore) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore) })
	t.Run("Rotation", func(t *testing.T) { testRotation(t, newStore) })
	t.Run("RotationRace", func(t *testing.T) { testRotationRace(t, newStore) })
	t.Run("Families", func(t *testing.T) { testFamilies(t, newStore) })
	t.Run("ListActiveRefreshTokens", func(t *testing.T) { testListActive(t, newStore) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore) })
}

func testClients(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch

	c1 := testutil.NewClient("client-1", now)
	c1.SecretHash = "hash-1"
	c2 := testutil.NewClient("client-2", now.Add(time.Second))
	c2.OwnerID = "owner-2"
	c3 := testutil.NewClient("client-3", now.Add(2*time.Second))

	for _, c := range []*storage.Client{c1, c2, c3} {
		require.NoError(t, s.CreateClient(ctx, c))
	}
	assert.ErrorIs(t, s.CreateClient(ctx, testutil.NewClient("client-1", now)), storage.ErrAlreadyExists)

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "hash-1", got.SecretHash)
	assert.Equal(t, c1.Name, got.Name)
	assert.Equal(t, c1.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, c1.AllowedScopes, got.AllowedScopes)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.True(t, got.Active)
	assert.Equal(t, map[string]string{"env": "test"}, got.Metadata)
	assert.True(t, got.CreatedAt.Equal(now), "created_at = %v", got.CreatedAt)

	// returned values are copies
	got.RedirectURIs[0] = "https://evil.example.com/cb"
	again, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb", again.RedirectURIs[0])

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := s.ListClients(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"client-1", "client-2", "client-3"}, clientIDs(all))

	owned, err := s.ListClients(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"client-1", "client-3"}, clientIDs(owned))

	rotatedAt := now.Add(time.Hour)
	require.NoError(t, s.UpdateClientSecret(ctx, "client-1", "hash-2", rotatedAt))
	got, err = s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", got.SecretHash)
	assert.True(t, got.SecretRotatedAt.Equal(rotatedAt))
	assert.ErrorIs(t, s.UpdateClientSecret(ctx, "missing", "h", rotatedAt), storage.ErrNotFound)

	deactivatedAt := now.Add(2 * time.Hour)
	require.NoError(t, s.DeactivateClient(ctx, "client-2", deactivatedAt))
	require.NoError(t, s.DeactivateClient(ctx, "client-2", deactivatedAt.Add(time.Hour)), "deactivation is idempotent")
	got, err = s.GetClient(ctx, "client-2")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.DeactivatedAt.Equal(deactivatedAt), "first deactivation time is kept")
	assert.ErrorIs(t, s.DeactivateClient(ctx, "missing", deactivatedAt), storage.ErrNotFound)
}

func testCodes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	t.Run("save and get", func(t *testing.T) {
		code := testutil.NewCode("code-get", "client-1", now, codeTTL)
		code.CodeChallenge = "challenge"
		code.CodeChallengeMethod = "S256"
		require.NoError(t, s.SaveAuthorizationCode(ctx, code))
		assert.ErrorIs(t, s.SaveAuthorizationCode(ctx, code), storage.ErrAlreadyExists)

		got, err := s.GetAuthorizationCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.Equal(t, "client-1", got.ClientID)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "https://app.example.com/cb", got.RedirectURI)
		assert.Equal(t, []string{"memories:read"}, got.Scopes)
		assert.Equal(t, "state-1", got.State)
		assert.Equal(t, "challenge", got.CodeChallenge)
		assert.Equal(t, "S256", got.CodeChallengeMethod)
		assert.True(t, got.ExpiresAt.Equal(now.Add(codeTTL)))
		assert.False(t, got.Used)

		_, err = s.GetAuthorizationCode(ctx, security.TokenKey("nope"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("consume once", func(t *testing.T) {
		code := testutil.NewCode("code-once", "client-1", now, codeTTL)
		require.NoError(t, s.SaveAuthorizationCode(ctx, code))

		consumed, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now.Add(time.Minute), nil)
		require.NoError(t, err)
		assert.True(t, consumed.Used)
		assert.Equal(t, "user-1", consumed.UserID)

		replay, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now.Add(2*time.Minute), nil)
		assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
		require.NotNil(t, replay, "replay returns the stored record")
		assert.Equal(t, code.CodeHash, replay.CodeHash)

		stored, err := s.GetAuthorizationCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.True(t, stored.Used)
	})

	t.Run("expired at exact expiry", func(t *testing.T) {
		code := testutil.NewCode("code-expired", "client-1", now, codeTTL)
		require.NoError(t, s.SaveAuthorizationCode(ctx, code))

		_, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now.Add(codeTTL), nil)
		assert.ErrorIs(t, err, storage.ErrExpired)

		stored, err := s.GetAuthorizationCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.False(t, stored.Used)
	})

	t.Run("failed check leaves code unused", func(t *testing.T) {
		code := testutil.NewCode("code-check", "client-1", now, codeTTL)
		require.NoError(t, s.SaveAuthorizationCode(ctx, code))

		var seen *storage.AuthorizationCode
		_, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now, func(c *storage.AuthorizationCode) error {
			seen = c
			return errCheck
		})
		assert.ErrorIs(t, err, errCheck)
		require.NotNil(t, seen)
		assert.Equal(t, "https://app.example.com/cb", seen.RedirectURI)

		_, err = s.ConsumeAuthorizationCode(ctx, code.CodeHash, now, func(*storage.AuthorizationCode) error { return nil })
		assert.NoError(t, err)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := s.ConsumeAuthorizationCode(ctx, security.TokenKey("unknown"), now, nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func testCodeConsumeRace(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	code := testutil.NewCode("code-race", "client-1", now, codeTTL)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
		other     []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrAlreadyConsumed):
				consumed++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, consumed)
}

func testAccessTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	pair := testutil.NewTokenPair("client-1", "user-1", "family-1", now, accessTTL, refreshTTL)
	require.NoError(t, s.SaveAccessToken(ctx, pair.Access))
	assert.ErrorIs(t, s.SaveAccessToken(ctx, pair.Access), storage.ErrAlreadyExists)

	got, err := s.GetAccessToken(ctx, pair.Access.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, []string{"memories:read"}, got.Scopes)
	assert.Equal(t, "family-1", got.FamilyID)
	assert.True(t, got.ExpiresAt.Equal(now.Add(accessTTL)))
	assert.False(t, got.Revoked)

	revokedAt := now.Add(time.Minute)
	require.NoError(t, s.RevokeAccessToken(ctx, pair.Access.TokenHash, revokedAt))
	require.NoError(t, s.RevokeAccessToken(ctx, pair.Access.TokenHash, revokedAt.Add(time.Minute)), "revocation is idempotent")

	got, err = s.GetAccessToken(ctx, pair.Access.TokenHash)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.True(t, got.RevokedAt.Equal(revokedAt))

	_, err = s.GetAccessToken(ctx, security.TokenKey("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.RevokeAccessToken(ctx, security.TokenKey("missing"), now), storage.ErrNotFound)
}

func testRefreshTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	pair := savePair(t, s, "user-1", "family-1", now)
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, pair.Refresh), storage.ErrAlreadyExists)

	got, err := s.GetRefreshToken(ctx, pair.Refresh.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, pair.Access.TokenHash, got.AccessTokenHash)
	assert.Equal(t, []string{"memories:read"}, got.Scopes)
	assert.Equal(t, []string{"memories:read", "memories:write"}, got.GrantedScopes)
	assert.Equal(t, "family-1", got.FamilyID)
	assert.Equal(t, 0, got.Generation)
	assert.True(t, got.ExpiresAt.Equal(now.Add(refreshTTL)))

	require.NoError(t, s.RevokeRefreshToken(ctx, pair.Refresh.TokenHash, now))

	got, err = s.GetRefreshToken(ctx, pair.Refresh.TokenHash)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	access, err := s.GetAccessToken(ctx, pair.Access.TokenHash)
	require.NoError(t, err)
	assert.True(t, access.Revoked, "revoking a refresh token cascades to its access token")

	assert.ErrorIs(t, s.RevokeRefreshToken(ctx, security.TokenKey("missing"), now), storage.ErrNotFound)
}

func testRotation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	t.Run("success", func(t *testing.T) {
		first := savePair(t, s, "user-1", "family-rot", now)
		next := nextPair(first, now.Add(time.Minute))

		old, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, now.Add(time.Minute), nil, next)
		require.NoError(t, err)
		assert.Equal(t, first.Refresh.TokenHash, old.TokenHash)

		oldRefresh, err := s.GetRefreshToken(ctx, first.Refresh.TokenHash)
		require.NoError(t, err)
		assert.True(t, oldRefresh.Revoked)

		oldAccess, err := s.GetAccessToken(ctx, first.Access.TokenHash)
		require.NoError(t, err)
		assert.True(t, oldAccess.Revoked)

		newRefresh, err := s.GetRefreshToken(ctx, next.Refresh.TokenHash)
		require.NoError(t, err)
		assert.False(t, newRefresh.Revoked)
		assert.Equal(t, 1, newRefresh.Generation)
		assert.Equal(t, next.Access.TokenHash, newRefresh.AccessTokenHash)

		newAccess, err := s.GetAccessToken(ctx, next.Access.TokenHash)
		require.NoError(t, err)
		assert.False(t, newAccess.Revoked)

		replayNext := nextPair(first, now.Add(2*time.Minute))
		replay, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, now.Add(2*time.Minute), nil, replayNext)
		assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
		require.NotNil(t, replay)
		assert.Equal(t, "family-rot", replay.FamilyID)

		_, err = s.GetAccessToken(ctx, replayNext.Access.TokenHash)
		assert.ErrorIs(t, err, storage.ErrNotFound, "a failed rotation inserts nothing")
	})

	t.Run("expired", func(t *testing.T) {
		first := savePair(t, s, "user-1", "family-exp", now)
		at := now.Add(refreshTTL)
		_, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, at, nil, nextPair(first, at))
		assert.ErrorIs(t, err, storage.ErrExpired)
	})

	t.Run("failed check changes nothing", func(t *testing.T) {
		first := savePair(t, s, "user-1", "family-chk", now)
		next := nextPair(first, now)

		_, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, now, func(rt *storage.RefreshToken) error {
			assert.Equal(t, "client-1", rt.ClientID)
			return errCheck
		}, next)
		assert.ErrorIs(t, err, errCheck)

		stored, err := s.GetRefreshToken(ctx, first.Refresh.TokenHash)
		require.NoError(t, err)
		assert.False(t, stored.Revoked)

		access, err := s.GetAccessToken(ctx, first.Access.TokenHash)
		require.NoError(t, err)
		assert.False(t, access.Revoked)

		_, err = s.GetRefreshToken(ctx, next.Refresh.TokenHash)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown", func(t *testing.T) {
		first := testutil.NewTokenPair("client-1", "user-1", "family-x", now, accessTTL, refreshTTL)
		_, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, now, nil, nextPair(first, now))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func testRotationRace(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	first := savePair(t, s, "user-1", "family-race", now)
	nexts := make([]*storage.TokenPair, racers)
	for i := range nexts {
		nexts[i] = nextPair(first, now)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []int
		consumed int
		other    []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, now, nil, nexts[i])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, i)
			case errors.Is(err, storage.ErrAlreadyConsumed):
				consumed++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, other)
	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, consumed)

	for i, pair := range nexts {
		_, err := s.GetRefreshToken(ctx, pair.Refresh.TokenHash)
		if i == winners[0] {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, storage.ErrNotFound, "losing rotation %d must not insert tokens", i)
		}
	}
}

func testFamilies(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	first := savePair(t, s, "user-1", "family-a", now)
	second := nextPair(first, now.Add(time.Minute))
	_, err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, now.Add(time.Minute), nil, second)
	require.NoError(t, err)
	other := savePair(t, s, "user-1", "family-b", now)

	// first pair is already revoked by rotation; only the second pair is live
	n, err := s.RevokeTokenFamily(ctx, "family-a", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, hash := range []string{first.Access.TokenHash, second.Access.TokenHash} {
		at, err := s.GetAccessToken(ctx, hash)
		require.NoError(t, err)
		assert.True(t, at.Revoked)
	}
	rt, err := s.GetRefreshToken(ctx, second.Refresh.TokenHash)
	require.NoError(t, err)
	assert.True(t, rt.Revoked)

	untouched, err := s.GetAccessToken(ctx, other.Access.TokenHash)
	require.NoError(t, err)
	assert.False(t, untouched.Revoked, "other families are unaffected")

	n, err = s.RevokeTokenFamily(ctx, "family-a", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.RevokeTokenFamily(ctx, "family-none", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testListActive(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")
	seedClient(t, s, "client-2")

	older := savePair(t, s, "user-1", "family-1", now)
	newer := savePair(t, s, "user-1", "family-2", now.Add(time.Minute))
	revoked := savePair(t, s, "user-1", "family-3", now.Add(2*time.Minute))
	require.NoError(t, s.RevokeRefreshToken(ctx, revoked.Refresh.TokenHash, now))
	savePair(t, s, "user-2", "family-4", now)

	otherClient := testutil.NewTokenPair("client-2", "user-1", "family-5", now, accessTTL, refreshTTL)
	require.NoError(t, s.SaveAccessToken(ctx, otherClient.Access))
	require.NoError(t, s.SaveRefreshToken(ctx, otherClient.Refresh))

	active, err := s.ListActiveRefreshTokens(ctx, "client-1", "user-1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, older.Refresh.TokenHash, active[0].TokenHash)
	assert.Equal(t, newer.Refresh.TokenHash, active[1].TokenHash)

	active, err = s.ListActiveRefreshTokens(ctx, "client-1", "user-1", now.Add(refreshTTL).Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, active, 1, "only the token issued a minute later is still live")

	active, err = s.ListActiveRefreshTokens(ctx, "client-1", "nobody", now)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testDeleteExpired(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	now := testutil.Epoch
	seedClient(t, s, "client-1")

	oldCode := testutil.NewCode("old", "client-1", now, codeTTL)
	freshCode := testutil.NewCode("fresh", "client-1", now.Add(time.Hour), codeTTL)
	require.NoError(t, s.SaveAuthorizationCode(ctx, oldCode))
	require.NoError(t, s.SaveAuthorizationCode(ctx, freshCode))

	pair := savePair(t, s, "user-1", "family-1", now)

	cutoff := now.Add(2 * time.Hour)
	res, err := s.DeleteExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Codes)
	assert.Equal(t, 1, res.AccessTokens)
	assert.Equal(t, 0, res.RefreshTokens)
	assert.Equal(t, 3, res.Total())

	_, err = s.GetAuthorizationCode(ctx, oldCode.CodeHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAccessToken(ctx, pair.Access.TokenHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rt, err := s.GetRefreshToken(ctx, pair.Refresh.TokenHash)
	require.NoError(t, err)
	assert.False(t, rt.Revoked)

	res, err = s.DeleteExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())

	_, err = s.GetClient(ctx, "client-1")
	assert.NoError(t, err, "clients are never swept")
}

func seedClient(t *testing.T, s storage.Store, clientID string) {
	t.Helper()
	require.NoError(t, s.CreateClient(context.Background(), testutil.NewClient(clientID, testutil.Epoch)))
}

func savePair(t *testing.T, s storage.Store, userID, familyID string, at time.Time) *storage.TokenPair {
	t.Helper()
	pair := testutil.NewTokenPair("client-1", userID, familyID, at, accessTTL, refreshTTL)
	require.NoError(t, s.SaveAccessToken(context.Background(), pair.Access))
	require.NoError(t, s.SaveRefreshToken(context.Background(), pair.Refresh))
	return pair
}

// nextPair builds the successor of prev in the same family.
func nextPair(prev *storage.TokenPair, at time.Time) *storage.TokenPair {
	next := testutil.NewTokenPair(prev.Refresh.ClientID, prev.Refresh.UserID, prev.Refresh.FamilyID, at, accessTTL, refreshTTL)
	next.Refresh.Generation = prev.Refresh.Generation + 1
	return next
}

func clientIDs(clients []*storage.Client) []string {
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ClientID)
	}
	return ids
}
