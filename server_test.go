package authz

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/server"
	"github.com/mcp-memory/authz/storage"
	"github.com/mcp-memory/authz/storage/memory"
)

func newTestServer(t *testing.T, config Config) *Server {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	if config.Server.BcryptCost == 0 {
		config.Server.BcryptCost = bcrypt.MinCost
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	srv, err := New(store, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func TestNew(t *testing.T) {
	srv := newTestServer(t, Config{
		Server: server.Config{Issuer: "https://auth.example.com"},
	})

	if srv.Config().Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q, want %q", srv.Config().Issuer, "https://auth.example.com")
	}
	if srv.janitor == nil {
		t.Error("janitor should start by default")
	}
	if srv.Instrumentation().Enabled() {
		t.Error("instrumentation should be disabled by default")
	}
}

func TestNew_InvalidServerConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	_, err := New(store, Config{Server: server.Config{RefreshTokenTTL: 10}})
	if err == nil {
		t.Fatal("New() should reject a refresh token TTL below one minute")
	}
}

func TestNew_DisableJanitor(t *testing.T) {
	srv := newTestServer(t, Config{DisableJanitor: true})
	if srv.janitor != nil {
		t.Error("janitor should not start when disabled")
	}
}

func TestNew_InstrumentsStore(t *testing.T) {
	srv := newTestServer(t, Config{
		StoreBackend:    "memory",
		Instrumentation: instrumentation.Config{Enabled: true, ServiceName: "authz-test"},
	})

	if _, ok := srv.Store().(*storage.Instrumented); !ok {
		t.Fatalf("Store() = %T, want *storage.Instrumented", srv.Store())
	}

	ctx := context.Background()
	client, secret, err := srv.RegisterClient(ctx, server.RegisterRequest{
		Name:          "Memory App",
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"memories:read"},
		OwnerID:       "owner-1",
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if _, err := srv.Exchange(ctx, server.ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         "unknown",
		RedirectURI:  "https://app.example.com/cb",
	}); err == nil {
		t.Fatal("Exchange() with an unknown code should fail")
	}

	rec := httptest.NewRecorder()
	srv.Instrumentation().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"authz_client_events", "authz_exchange_failures", "authz_storage_operations", "authz_storage_clients"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestNew_Audit(t *testing.T) {
	var buf bytes.Buffer
	srv := newTestServer(t, Config{
		Audit:  AuditConfig{Enabled: true, EventsPerSecond: 1, Burst: 1},
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
	})
	if srv.auditLimiter == nil {
		t.Fatal("audit throttling should be installed")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, _ = srv.RegisterClient(ctx, server.RegisterRequest{
			Name:          "Memory App",
			RedirectURIs:  []string{"https://app.example.com/cb"},
			AllowedScopes: []string{"memories:read"},
			OwnerID:       "owner-1",
		})
	}

	// three registrations of different clients are separate keys
	if got := strings.Count(buf.String(), `"event_type":"client_registered"`); got != 3 {
		t.Errorf("client_registered events = %d, want 3", got)
	}
}

func TestServer_FullFlow(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, server.RegisterRequest{
		Name:          "Memory App",
		RedirectURIs:  []string{"https://app/cb"},
		AllowedScopes: []string{"memories:read"},
		OwnerID:       "owner-1",
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	code, err := srv.Authorize(ctx, server.AuthorizeRequest{
		ClientID:    client.ClientID,
		UserID:      "user-1",
		RedirectURI: "https://app/cb",
		Scopes:      []string{"memories:read"},
		State:       "s1",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	exchange := server.ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://app/cb",
	}
	result, err := srv.Exchange(ctx, exchange)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	resp := NewTokenResponse(result)
	if resp.ExpiresIn != 3600 || resp.TokenType != "Bearer" || resp.Scope != "memories:read" {
		t.Errorf("TokenResponse = %+v", resp)
	}

	_, err = srv.Exchange(ctx, exchange)
	if oerr := ToOAuthError(err); oerr == nil || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("re-exchange error = %v, want invalid_grant", oerr)
	}

	_, err = srv.Exchange(ctx, server.ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: "wrong",
		Code:         code,
		RedirectURI:  "https://app/cb",
	})
	if oerr := ToOAuthError(err); oerr == nil || oerr.Code != ErrorCodeInvalidClient {
		t.Fatalf("bad secret error = %v, want invalid_client", oerr)
	}
}

func TestServer_Metadata(t *testing.T) {
	srv := newTestServer(t, Config{
		Server: server.Config{
			Issuer:          "https://auth.example.com/",
			SupportedScopes: []string{"memories:read"},
		},
	})

	meta := srv.Metadata()
	if meta.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "https://auth.example.com/oauth/token" {
		t.Errorf("TokenEndpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("CodeChallengeMethodsSupported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
}

func TestServer_Close(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := New(store, Config{
		Server: server.Config{BcryptCost: bcrypt.MinCost, CleanupInterval: 1},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
