package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcp-memory/authz"
	"github.com/mcp-memory/authz/server"
	"github.com/mcp-memory/authz/storage/sqlstore"
)

// runCommand executes authzctl with args and returns stdout.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// newSQLiteDB returns the path of a migrated SQLite database and lowers the
// bcrypt cost for every command run by the test.
func newSQLiteDB(t *testing.T) string {
	t.Helper()
	t.Setenv("AUTHZ_SERVER_BCRYPT_COST", "4")
	dsn := filepath.Join(t.TempDir(), "authz.db")
	out, err := runCommand(t, "--store.dsn", dsn, "migrate")
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if !strings.Contains(out, "applied") {
		t.Fatalf("migrate output = %q", out)
	}
	return dsn
}

// outputField extracts "name: value" from command output.
func outputField(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	t.Fatalf("output has no %q field:\n%s", name, out)
	return ""
}

func registerClient(t *testing.T, dsn, owner string) (string, string) {
	t.Helper()
	out, err := runCommand(t, "--store.dsn", dsn, "client", "register",
		"--name", "Notes App",
		"--owner", owner,
		"--redirect-uri", "https://notes.example.com/callback",
		"--scope", "memories:read",
		"--scope", "memories:write",
		"--metadata", "team=notes")
	if err != nil {
		t.Fatalf("client register error = %v", err)
	}
	return outputField(t, out, "client_id"), outputField(t, out, "client_secret")
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := newSQLiteDB(t)

	out, err := runCommand(t, "--store.dsn", dsn, "migrate")
	if err != nil {
		t.Fatalf("second migrate error = %v", err)
	}
	if !strings.Contains(out, "applied 0 migration(s)") {
		t.Errorf("second migrate output = %q", out)
	}
}

func TestMigrate_MemoryStore(t *testing.T) {
	out, err := runCommand(t, "--store.driver", "memory", "migrate")
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if !strings.Contains(out, "no schema") {
		t.Errorf("output = %q", out)
	}
}

func TestClientLifecycle(t *testing.T) {
	dsn := newSQLiteDB(t)
	clientID, secret := registerClient(t, dsn, "alice")
	if clientID == "" || secret == "" {
		t.Fatal("register should print a client id and secret")
	}

	out, err := runCommand(t, "--store.dsn", dsn, "client", "show", clientID)
	if err != nil {
		t.Fatalf("client show error = %v", err)
	}
	if got := outputField(t, out, "status"); got != "active" {
		t.Errorf("status = %q, want active", got)
	}
	if got := outputField(t, out, "metadata.team"); got != "notes" {
		t.Errorf("metadata.team = %q, want notes", got)
	}
	if strings.Contains(out, secret) {
		t.Error("client show must not print the secret")
	}

	out, err = runCommand(t, "--store.dsn", dsn, "client", "rotate-secret", clientID)
	if err != nil {
		t.Fatalf("client rotate-secret error = %v", err)
	}
	if newSecret := outputField(t, out, "client_secret"); newSecret == secret {
		t.Error("rotate-secret should print a new secret")
	}

	if _, err := runCommand(t, "--store.dsn", dsn, "client", "deactivate", clientID); err != nil {
		t.Fatalf("client deactivate error = %v", err)
	}
	out, err = runCommand(t, "--store.dsn", dsn, "client", "show", clientID)
	if err != nil {
		t.Fatalf("client show after deactivate error = %v", err)
	}
	if got := outputField(t, out, "status"); got != "deactivated" {
		t.Errorf("status = %q, want deactivated", got)
	}
}

func TestClientShow_Unknown(t *testing.T) {
	dsn := newSQLiteDB(t)

	_, err := runCommand(t, "--store.dsn", dsn, "client", "show", "missing")
	if err == nil || !strings.Contains(err.Error(), "invalid_client") {
		t.Fatalf("error = %v, want invalid_client", err)
	}
}

func TestClientRegister_Rejected(t *testing.T) {
	dsn := newSQLiteDB(t)

	_, err := runCommand(t, "--store.dsn", dsn, "client", "register",
		"--name", "Bad", "--owner", "alice",
		"--redirect-uri", "http://evil.example.com/cb",
		"--scope", "memories:read")
	if err == nil || !strings.Contains(err.Error(), "invalid_request") {
		t.Fatalf("error = %v, want invalid_request", err)
	}
}

func TestClientList(t *testing.T) {
	dsn := newSQLiteDB(t)

	out, err := runCommand(t, "--store.dsn", dsn, "client", "list")
	if err != nil {
		t.Fatalf("client list error = %v", err)
	}
	if !strings.Contains(out, "No clients found.") {
		t.Errorf("empty list output = %q", out)
	}

	aliceID, _ := registerClient(t, dsn, "alice")
	bobID, _ := registerClient(t, dsn, "bob")

	out, err = runCommand(t, "--store.dsn", dsn, "client", "list", "--owner", "alice")
	if err != nil {
		t.Fatalf("client list --owner error = %v", err)
	}
	if !strings.Contains(out, aliceID) {
		t.Errorf("list should include alice's client:\n%s", out)
	}
	if strings.Contains(out, bobID) {
		t.Errorf("list --owner alice should not include bob's client:\n%s", out)
	}
}

// issueTokens runs an authorization code flow directly against the database.
func issueTokens(t *testing.T, dsn, clientID, secret string) *server.TokenResult {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("sqlstore.Open() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	srv, err := authz.New(store, authz.Config{
		Server:         server.Config{BcryptCost: bcrypt.MinCost},
		DisableJanitor: true,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("authz.New() error = %v", err)
	}
	defer func() { _ = srv.Close(ctx) }()

	code, err := srv.Authorize(ctx, server.AuthorizeRequest{
		ClientID:    clientID,
		UserID:      "alice",
		RedirectURI: "https://notes.example.com/callback",
		Scopes:      []string{"memories:read"},
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	result, err := srv.Exchange(ctx, server.ExchangeRequest{
		ClientID:     clientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://notes.example.com/callback",
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	return result
}

func TestToken_ValidateAndRevoke(t *testing.T) {
	dsn := newSQLiteDB(t)
	clientID, secret := registerClient(t, dsn, "alice")
	tokens := issueTokens(t, dsn, clientID, secret)

	out, err := runCommand(t, "--store.dsn", dsn, "token", "validate", tokens.AccessToken)
	if err != nil {
		t.Fatalf("token validate error = %v", err)
	}
	if got := outputField(t, out, "client_id"); got != clientID {
		t.Errorf("client_id = %q, want %q", got, clientID)
	}
	if got := outputField(t, out, "scope"); got != "memories:read" {
		t.Errorf("scope = %q, want memories:read", got)
	}

	// revoking the refresh token takes the whole family down
	if _, err := runCommand(t, "--store.dsn", dsn, "token", "revoke", "--type-hint", "refresh_token", tokens.RefreshToken); err != nil {
		t.Fatalf("token revoke error = %v", err)
	}
	_, err = runCommand(t, "--store.dsn", dsn, "token", "validate", tokens.AccessToken)
	if err == nil || !strings.Contains(err.Error(), "invalid_token") {
		t.Fatalf("validate after revoke error = %v, want invalid_token", err)
	}

	if _, err := runCommand(t, "--store.dsn", dsn, "token", "revoke", "unknown-token"); err != nil {
		t.Errorf("revoking an unknown token should succeed, got %v", err)
	}
}

func TestTokenRevoke_InvalidHint(t *testing.T) {
	_, err := runCommand(t, "--store.driver", "memory", "token", "revoke", "--type-hint", "id_token", "x")
	if err == nil || !strings.Contains(err.Error(), "invalid --type-hint") {
		t.Fatalf("error = %v", err)
	}
}

func TestGC_Once(t *testing.T) {
	dsn := newSQLiteDB(t)

	out, err := runCommand(t, "--store.dsn", dsn, "gc")
	if err != nil {
		t.Fatalf("gc error = %v", err)
	}
	if !strings.Contains(out, "deleted 0 code(s), 0 access token(s), 0 refresh token(s)") {
		t.Errorf("gc output = %q", out)
	}
}

func TestGC_RejectsSubSecondInterval(t *testing.T) {
	_, err := runCommand(t, "--store.driver", "memory", "gc", "--interval", "10ms")
	if err == nil {
		t.Fatal("gc should reject an interval below one second")
	}
}

func TestConfigFile(t *testing.T) {
	dsn := newSQLiteDB(t)
	configPath := filepath.Join(t.TempDir(), "authz.yaml")
	config := "store:\n  dsn: " + dsn + "\nserver:\n  supported_scopes:\n    - memories:read\n"
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// memories:write is outside the configured scope list
	_, err := runCommand(t, "--config", configPath, "client", "register",
		"--name", "Notes App", "--owner", "alice",
		"--redirect-uri", "https://notes.example.com/callback",
		"--scope", "memories:write")
	if err == nil || !strings.Contains(err.Error(), "invalid_scope") {
		t.Fatalf("error = %v, want invalid_scope", err)
	}
}

func TestConfigFile_Missing(t *testing.T) {
	_, err := runCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "migrate")
	if err == nil {
		t.Fatal("a missing explicit config file should fail")
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := runCommand(t, "--store.driver", "mongodb", "migrate")
	if !errors.Is(err, errUnknownDriver) {
		t.Fatalf("error = %v, want errUnknownDriver", err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "text", level: "info", format: "text"},
		{name: "json", level: "debug", format: "json"},
		{name: "default format", level: "warn", format: ""},
		{name: "bad level", level: "loud", format: "text", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLogger(io.Discard, tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
