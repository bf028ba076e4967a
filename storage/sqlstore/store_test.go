package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-memory/authz/internal/testutil"
	"github.com/mcp-memory/authz/storage"
	"github.com/mcp-memory/authz/storage/storagetest"
)

// postgresDSNEnv names a PostgreSQL database the suite may run against. Each
// subtest truncates the schema, so point it at a throwaway database.
const postgresDSNEnv = "AUTHZ_POSTGRES_TEST_DSN"

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "authz.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newSQLiteStore(t)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		s, err := Open(ctx, Config{Dialect: DialectPostgres, DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		_, err = s.Migrate(ctx)
		require.NoError(t, err)
		_, err = s.DB().ExecContext(ctx, `TRUNCATE oauth_refresh_tokens, oauth_access_tokens,
			oauth_authorization_codes, oauth_clients`)
		require.NoError(t, err)
		return s
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newSQLiteStore(t)

	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied, "second run applies nothing")
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{Dialect: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Dialect: DialectSQLite})
	assert.Error(t, err)
}

func TestForeignKeysEnforced(t *testing.T) {
	s := newSQLiteStore(t)

	code := testutil.NewCode("orphan", "no-such-client", testutil.Epoch, 0)
	err := s.SaveAuthorizationCode(context.Background(), code)
	assert.Error(t, err, "codes must reference a registered client")
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectSQLite, "a = ? AND b = ?", "a = ? AND b = ?"},
		{DialectPostgres, "a = ? AND b = ?", "a = $1 AND b = $2"},
		{DialectPostgres, "no params", "no params"},
	}
	for _, tt := range tests {
		s := &Store{dialect: tt.dialect}
		if got := s.q(tt.in); got != tt.want {
			t.Errorf("q(%q) [%s] = %q, want %q", tt.in, tt.dialect, got, tt.want)
		}
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/tmp/a.db", "file:/tmp/a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"file:a.db?mode=rwc", "file:a.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"file:a.db?_pragma=foreign_keys(0)", "file:a.db?_pragma=foreign_keys(0)"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTimestampsRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	client := testutil.NewClient("client-1", testutil.Epoch)
	require.NoError(t, s.CreateClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(testutil.Epoch))
	assert.True(t, got.SecretRotatedAt.IsZero())
	assert.True(t, got.DeactivatedAt.IsZero())
}
