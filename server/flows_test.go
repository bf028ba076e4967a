package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcp-memory/authz/internal/testutil"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
	"github.com/mcp-memory/authz/storage/memory"
	"github.com/mcp-memory/authz/storage/mock"
)

func TestServer_Authorize(t *testing.T) {
	srv, clock := newTestServer(t, nil)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv)

	code, err := srv.Authorize(ctx, AuthorizeRequest{
		ClientID:    client.ClientID,
		UserID:      testUserID,
		RedirectURI: testRedirectURI,
		Scopes:      []string{"memories:read"},
		State:       "xyz",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	stored, err := srv.Store().GetAuthorizationCode(ctx, security.TokenKey(code))
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if stored.CodeHash == code {
		t.Error("code must be stored by digest only")
	}
	if stored.UserID != testUserID || stored.State != "xyz" || stored.Used {
		t.Errorf("stored code = %+v", stored)
	}
	if want := clock.Now().Add(10 * time.Minute); !stored.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", stored.ExpiresAt, want)
	}
}

func TestServer_AuthorizeRejects(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv, "memories:read")

	inactive, _ := registerTestClient(t, srv)
	if err := srv.DeactivateClient(ctx, inactive.ClientID); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	base := AuthorizeRequest{
		ClientID:    client.ClientID,
		UserID:      testUserID,
		RedirectURI: testRedirectURI,
		State:       "s",
	}
	tests := []struct {
		name   string
		modify func(*AuthorizeRequest)
		want   Kind
	}{
		{name: "unknown client", modify: func(r *AuthorizeRequest) { r.ClientID = "missing" }, want: KindUnknownClient},
		{name: "inactive client", modify: func(r *AuthorizeRequest) { r.ClientID = inactive.ClientID }, want: KindClientInactive},
		{name: "unregistered redirect", modify: func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" }, want: KindRedirectMismatch},
		{name: "scope not allowed", modify: func(r *AuthorizeRequest) { r.Scopes = []string{"memories:write"} }, want: KindScopeNotAllowed},
		{name: "missing user", modify: func(r *AuthorizeRequest) { r.UserID = "" }, want: KindInvalidRequest},
		{name: "plain PKCE", modify: func(r *AuthorizeRequest) {
			r.CodeChallenge = "plain-challenge-plain-challenge-plain-challenge"
			r.CodeChallengeMethod = PKCEMethodPlain
		}, want: KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.modify(&req)
			_, err := srv.Authorize(ctx, req)
			wantKind(t, err, tt.want)
		})
	}
}

func TestServer_ExchangeConcurrent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.Exchange(context.Background(), ExchangeRequest{
				ClientID:     client.ClientID,
				ClientSecret: secret,
				Code:         code,
				RedirectURI:  testRedirectURI,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case KindOf(err) == KindAlreadyConsumed:
				consumed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if consumed != attempts-1 {
		t.Errorf("already consumed = %d, want %d", consumed, attempts-1)
	}
}

func TestServer_ExchangeReplayRevokesFamily(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)

	first := exchangeCode(t, srv, client, secret, code)
	rotated, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: first.RefreshToken,
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	_, err = srv.Exchange(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindAlreadyConsumed)

	// descendants of the replayed code are gone too
	_, err = srv.ValidateToken(ctx, rotated.AccessToken)
	wantKind(t, err, KindRevoked)

	refresh, err := srv.Store().GetRefreshToken(ctx, security.TokenKey(rotated.RefreshToken))
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if !refresh.Revoked {
		t.Error("rotated refresh token should be revoked after code replay")
	}
}

func TestServer_ExchangeReplayRevocationDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &Config{DisableReplayRevocation: true})
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)
	first := exchangeCode(t, srv, client, secret, code)

	_, err := srv.Exchange(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindAlreadyConsumed)

	if _, err := srv.ValidateToken(ctx, first.AccessToken); err != nil {
		t.Errorf("tokens should survive a replay when revocation is disabled: %v", err)
	}
}

func TestServer_ExchangeBindingFailuresKeepCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	other, otherSecret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)

	_, err := srv.Exchange(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://app.example.com/other",
	})
	wantKind(t, err, KindRedirectMismatch)

	_, err = srv.Exchange(ctx, ExchangeRequest{
		ClientID:     other.ClientID,
		ClientSecret: otherSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindClientMismatch)

	_, err = srv.Exchange(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: "wrong",
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindAuthenticationFailed)

	// none of the failures consumed the code
	exchangeCode(t, srv, client, secret, code)
}

func TestServer_ExchangeExpiredCode(t *testing.T) {
	srv, clock := newTestServer(t, &Config{AuthorizationCodeTTL: 300})
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)

	// expiry is strict: the code is dead at exactly its expiry instant
	clock.Advance(300 * time.Second)
	_, err := srv.Exchange(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindExpired)
}

func TestServer_ExchangeUnknownCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, srv)

	_, err := srv.Exchange(context.Background(), ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         "not-a-code",
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindNotFound)
}

func TestServer_ExchangePKCE(t *testing.T) {
	srv, _ := newTestServer(t, &Config{RequirePKCE: true})
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()

	code, err := srv.Authorize(ctx, AuthorizeRequest{
		ClientID:            client.ClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		State:               "s",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	req := ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	}

	_, err = srv.Exchange(ctx, req)
	wantKind(t, err, KindPKCEMismatch)

	_, wrongVerifier := testutil.GeneratePKCEPair()
	req.CodeVerifier = wrongVerifier
	_, err = srv.Exchange(ctx, req)
	wantKind(t, err, KindPKCEMismatch)

	req.CodeVerifier = verifier
	if _, err := srv.Exchange(ctx, req); err != nil {
		t.Fatalf("Exchange() with the right verifier error = %v", err)
	}
}

func TestServer_ExchangeStoreFailure(t *testing.T) {
	backing := memory.New()
	defer backing.Stop()
	store := mock.New(backing)
	srv, _ := newTestServerWithStore(t, store, nil)
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)

	store.FailOn(mock.MethodSaveRefreshToken, errors.New("connection reset"))
	_, err := srv.Exchange(context.Background(), ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	wantKind(t, err, KindStoreUnavailable)

	if store.Calls(mock.MethodRevokeAccessToken) != 1 {
		t.Errorf("the orphaned access token should be revoked, got %d revoke calls", store.Calls(mock.MethodRevokeAccessToken))
	}
}

func TestServer_ExchangeRefreshCap(t *testing.T) {
	srv, clock := newTestServer(t, &Config{MaxRefreshTokensPerUserClient: 2})
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)

	var results []*TokenResult
	for i := 0; i < 3; i++ {
		code := authorizeCode(t, srv, client.ClientID)
		results = append(results, exchangeCode(t, srv, client, secret, code))
		clock.Advance(time.Second)
	}

	_, err := srv.ValidateToken(ctx, results[0].AccessToken)
	wantKind(t, err, KindRevoked)
	for _, r := range results[1:] {
		if _, err := srv.ValidateToken(ctx, r.AccessToken); err != nil {
			t.Errorf("newer family should stay live: %v", err)
		}
	}

	active, err := srv.Store().ListActiveRefreshTokens(ctx, client.ClientID, testUserID, clock.Now())
	if err != nil {
		t.Fatalf("ListActiveRefreshTokens() error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active refresh tokens = %d, want 2", len(active))
	}
}

func TestServer_Refresh(t *testing.T) {
	srv, clock := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	clock.Advance(time.Minute)
	rotated, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: first.RefreshToken,
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if rotated.FamilyID != first.FamilyID {
		t.Errorf("FamilyID = %q, want %q", rotated.FamilyID, first.FamilyID)
	}
	if rotated.Scope() != first.Scope() {
		t.Errorf("Scope() = %q, want %q", rotated.Scope(), first.Scope())
	}

	stored, err := srv.Store().GetRefreshToken(ctx, security.TokenKey(rotated.RefreshToken))
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if stored.Generation != 1 {
		t.Errorf("Generation = %d, want 1", stored.Generation)
	}
	if !stored.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", stored.CreatedAt, clock.Now())
	}
}

func TestRefreshTokenManager_RotateStoresNextPair(t *testing.T) {
	srv, clock := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	clock.Advance(time.Minute)
	rotation, err := srv.RefreshTokens().Rotate(ctx, first.RefreshToken, client.ClientID, nil)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if rotation.Previous == nil || rotation.Previous.Generation != 0 {
		t.Fatalf("Previous = %+v, want generation 0", rotation.Previous)
	}

	access, err := srv.Store().GetAccessToken(ctx, security.TokenKey(rotation.AccessToken))
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if access.ClientID != client.ClientID || access.UserID != testUserID || access.FamilyID != first.FamilyID {
		t.Errorf("stored access token = %+v", access)
	}

	refresh, err := srv.Store().GetRefreshToken(ctx, security.TokenKey(rotation.RefreshToken))
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if refresh.Generation != 1 || refresh.FamilyID != first.FamilyID {
		t.Errorf("stored refresh token = %+v", refresh)
	}
	if refresh.AccessTokenHash != access.TokenHash {
		t.Errorf("AccessTokenHash = %q, want %q", refresh.AccessTokenHash, access.TokenHash)
	}

	if _, err := srv.ValidateToken(ctx, rotation.AccessToken); err != nil {
		t.Errorf("ValidateToken(new) error = %v", err)
	}
	_, err = srv.ValidateToken(ctx, first.AccessToken)
	wantKind(t, err, KindRevoked)
}

func TestServer_RefreshScopeNarrowing(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID, "memories:read", "memories:write"))

	narrowed, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: first.RefreshToken,
		Scopes:       []string{"memories:read"},
	})
	if err != nil {
		t.Fatalf("Refresh(narrow) error = %v", err)
	}
	if narrowed.Scope() != "memories:read" {
		t.Errorf("Scope() = %q, want %q", narrowed.Scope(), "memories:read")
	}

	// the original grant still bounds the next rotation
	widened, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: narrowed.RefreshToken,
		Scopes:       []string{"memories:read", "memories:write"},
	})
	if err != nil {
		t.Fatalf("Refresh(back to grant) error = %v", err)
	}

	_, err = srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: widened.RefreshToken,
		Scopes:       []string{"memories:admin"},
	})
	wantKind(t, err, KindScopeNotAllowed)

	// a rejected scope request leaves the token usable
	if _, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: widened.RefreshToken,
	}); err != nil {
		t.Errorf("Refresh() after rejected scope error = %v", err)
	}
}

func TestServer_RefreshReplayRevokesFamily(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	req := RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: first.RefreshToken,
	}
	second, err := srv.Refresh(ctx, req)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	_, err = srv.Refresh(ctx, req)
	wantKind(t, err, KindAlreadyConsumed)

	_, err = srv.ValidateToken(ctx, second.AccessToken)
	wantKind(t, err, KindRevoked)

	_, err = srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: second.RefreshToken,
	})
	wantKind(t, err, KindAlreadyConsumed)
}

func TestServer_RefreshConcurrent(t *testing.T) {
	srv, _ := newTestServer(t, &Config{DisableReplayRevocation: true})
	client, secret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.Refresh(context.Background(), RefreshRequest{
				ClientID:     client.ClientID,
				ClientSecret: secret,
				RefreshToken: first.RefreshToken,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if KindOf(err) != KindAlreadyConsumed {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestServer_RefreshWrongClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	other, otherSecret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	_, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     other.ClientID,
		ClientSecret: otherSecret,
		RefreshToken: first.RefreshToken,
	})
	wantKind(t, err, KindClientMismatch)

	if _, err := srv.ValidateToken(ctx, first.AccessToken); err != nil {
		t.Errorf("a mismatched refresh must not touch the family: %v", err)
	}
}

func TestServer_RefreshExpired(t *testing.T) {
	srv, clock := newTestServer(t, &Config{RefreshTokenTTL: 3600})
	client, secret := registerTestClient(t, srv)
	first := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	clock.Advance(time.Hour)
	_, err := srv.Refresh(context.Background(), RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: first.RefreshToken,
	})
	wantKind(t, err, KindExpired)
}

func TestServer_ValidateToken(t *testing.T) {
	srv, clock := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID, "memories:read"))

	record, err := srv.ValidateToken(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if record.UserID != testUserID || record.ClientID != client.ClientID {
		t.Errorf("record = %+v", record)
	}

	_, err = srv.ValidateToken(ctx, "unknown")
	wantKind(t, err, KindNotFound)

	_, err = srv.ValidateToken(ctx, "")
	wantKind(t, err, KindNotFound)

	clock.Advance(time.Hour)
	_, err = srv.ValidateToken(ctx, result.AccessToken)
	wantKind(t, err, KindExpired)
}

func TestServer_ValidateTokenInactiveClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	if err := srv.DeactivateClient(ctx, client.ClientID); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}
	_, err := srv.ValidateToken(ctx, result.AccessToken)
	wantKind(t, err, KindClientInactive)
}

func TestServer_RevokeToken(t *testing.T) {
	ctx := context.Background()

	t.Run("access token", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		client, secret := registerTestClient(t, srv)
		result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

		if err := srv.RevokeToken(ctx, RevokeRequest{
			ClientID:     client.ClientID,
			ClientSecret: secret,
			Token:        result.AccessToken,
		}); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		_, err := srv.ValidateToken(ctx, result.AccessToken)
		wantKind(t, err, KindRevoked)

		// the refresh token still works
		if _, err := srv.Refresh(ctx, RefreshRequest{
			ClientID:     client.ClientID,
			ClientSecret: secret,
			RefreshToken: result.RefreshToken,
		}); err != nil {
			t.Errorf("Refresh() after access revocation error = %v", err)
		}
	})

	t.Run("refresh token revokes family", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		client, secret := registerTestClient(t, srv)
		result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

		if err := srv.RevokeToken(ctx, RevokeRequest{
			ClientID:      client.ClientID,
			ClientSecret:  secret,
			Token:         result.RefreshToken,
			TokenTypeHint: TokenTypeHintRefreshToken,
		}); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		_, err := srv.ValidateToken(ctx, result.AccessToken)
		wantKind(t, err, KindRevoked)
	})

	t.Run("wrong hint still finds token", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		client, secret := registerTestClient(t, srv)
		result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

		if err := srv.RevokeToken(ctx, RevokeRequest{
			ClientID:      client.ClientID,
			ClientSecret:  secret,
			Token:         result.AccessToken,
			TokenTypeHint: TokenTypeHintRefreshToken,
		}); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		_, err := srv.ValidateToken(ctx, result.AccessToken)
		wantKind(t, err, KindRevoked)
	})

	t.Run("unknown token succeeds", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		client, secret := registerTestClient(t, srv)

		if err := srv.RevokeToken(ctx, RevokeRequest{
			ClientID:     client.ClientID,
			ClientSecret: secret,
			Token:        "unknown",
		}); err != nil {
			t.Errorf("RevokeToken(unknown) error = %v", err)
		}
	})

	t.Run("other client's token is ignored", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		client, secret := registerTestClient(t, srv)
		other, otherSecret := registerTestClient(t, srv)
		result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

		if err := srv.RevokeToken(ctx, RevokeRequest{
			ClientID:     other.ClientID,
			ClientSecret: otherSecret,
			Token:        result.AccessToken,
		}); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := srv.ValidateToken(ctx, result.AccessToken); err != nil {
			t.Errorf("token should survive revocation by another client: %v", err)
		}
	})

	t.Run("client authentication required", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		client, _ := registerTestClient(t, srv)

		err := srv.RevokeToken(ctx, RevokeRequest{
			ClientID:     client.ClientID,
			ClientSecret: "wrong",
			Token:        "anything",
		})
		wantKind(t, err, KindAuthenticationFailed)
	})
}

func TestServer_AdminRevokeToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	result := exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))

	if err := srv.AdminRevokeToken(ctx, result.RefreshToken, ""); err != nil {
		t.Fatalf("AdminRevokeToken() error = %v", err)
	}
	_, err := srv.ValidateToken(ctx, result.AccessToken)
	wantKind(t, err, KindRevoked)

	err = srv.AdminRevokeToken(ctx, "", "")
	wantKind(t, err, KindInvalidRequest)
}

func TestServer_ValidateTokenStoreFailure(t *testing.T) {
	backing := memory.New()
	defer backing.Stop()
	store := mock.New(backing)
	srv, _ := newTestServerWithStore(t, store, nil)

	store.FailOn(mock.MethodGetAccessToken, errors.New("timeout"))
	_, err := srv.ValidateToken(context.Background(), "token")
	wantKind(t, err, KindStoreUnavailable)

	var e *Error
	if !errors.As(err, &e) || e.Op != OpValidate {
		t.Errorf("Op = %q, want %q", OpOf(err), OpValidate)
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("a store failure must not look like a missing token")
	}
}
