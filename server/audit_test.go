package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mcp-memory/authz/security"
)

// syncBuffer guards a bytes.Buffer for handlers written from several
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// events returns the event_type of every audit record written so far.
func (b *syncBuffer) events(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		if record["msg"] == "security_audit" {
			types = append(types, record["event_type"].(string))
		}
	}
	return types
}

func newAuditedServer(t *testing.T, config *Config) (*Server, *syncBuffer) {
	t.Helper()
	srv, _ := newTestServer(t, config)
	buf := &syncBuffer{}
	srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(buf, nil)), true))
	return srv, buf
}

func containsEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

func TestAudit_ClientLifecycle(t *testing.T) {
	srv, buf := newAuditedServer(t, nil)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv)

	if _, err := srv.RotateClientSecret(ctx, client.ClientID); err != nil {
		t.Fatalf("RotateClientSecret() error = %v", err)
	}
	if err := srv.DeactivateClient(ctx, client.ClientID); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	events := buf.events(t)
	for _, want := range []string{
		security.EventClientRegistered,
		security.EventClientSecretRotated,
		security.EventClientDeactivated,
	} {
		if !containsEvent(events, want) {
			t.Errorf("events %v missing %q", events, want)
		}
	}
}

func TestAudit_TokenFlow(t *testing.T) {
	srv, buf := newAuditedServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)
	result := exchangeCode(t, srv, client, secret, code)

	if _, err := srv.Refresh(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: result.RefreshToken,
	}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	events := buf.events(t)
	for _, want := range []string{
		security.EventAuthorizationCodeIssued,
		security.EventTokenIssued,
		security.EventTokenRefreshed,
	} {
		if !containsEvent(events, want) {
			t.Errorf("events %v missing %q", events, want)
		}
	}
}

func TestAudit_ReuseDetected(t *testing.T) {
	srv, buf := newAuditedServer(t, nil)
	ctx := context.Background()
	client, secret := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)
	result := exchangeCode(t, srv, client, secret, code)

	req := RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: result.RefreshToken,
	}
	if _, err := srv.Refresh(ctx, req); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	_, _ = srv.Refresh(ctx, req)
	_, _ = srv.Exchange(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})

	events := buf.events(t)
	if !containsEvent(events, security.EventRefreshTokenReuseDetected) {
		t.Errorf("events %v missing refresh token reuse", events)
	}
	if !containsEvent(events, security.EventAuthorizationCodeReuseDetected) {
		t.Errorf("events %v missing authorization code reuse", events)
	}
}

func TestAudit_AuthFailureNeverLogsSecret(t *testing.T) {
	srv, buf := newAuditedServer(t, nil)
	client, _ := registerTestClient(t, srv)

	const attempted = "definitely-not-the-secret"
	_, err := srv.clients.Authenticate(context.Background(), client.ClientID, attempted)
	wantKind(t, err, KindAuthenticationFailed)

	if !containsEvent(buf.events(t), security.EventAuthFailure) {
		t.Error("failed authentication should be audited")
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if strings.Contains(buf.buf.String(), attempted) {
		t.Error("audit log contains the attempted secret")
	}
}

func TestAudit_NilAuditor(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.SetAuditor(nil)

	client, secret := registerTestClient(t, srv)
	exchangeCode(t, srv, client, secret, authorizeCode(t, srv, client.ClientID))
}
