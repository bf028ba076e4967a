package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mcp-memory/authz/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Dialect selects the database flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Config describes how to open a database.
type Config struct {
	Dialect Dialect

	// DSN is a file path or "file:" URI for SQLite, or a PostgreSQL
	// connection string.
	DSN string

	// MaxOpenConns caps the pool for PostgreSQL (default: 10). SQLite always
	// uses a single connection so that transactions never fail on lock
	// upgrades.
	MaxOpenConns int

	// ConnMaxLifetime recycles pooled connections (default: 30m).
	ConnMaxLifetime time.Duration
}

// Store is a storage.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database described by cfg. It does not migrate.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		driver string
		dsn    = cfg.DSN
	)
	switch cfg.Dialect {
	case DialectSQLite:
		driver = "sqlite"
		dsn = sqliteDSN(dsn)
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", cfg.Dialect)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect, err)
	}

	if cfg.Dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Dialect, err)
	}

	return New(db, cfg.Dialect), nil
}

// New wraps an already opened database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, logger: slog.Default()}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate applies all pending schema migrations and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	dialect := database.DialectSQLite3
	if s.dialect == DialectPostgres {
		dialect = database.DialectPostgres
	}

	provider, err := goose.NewProvider(dialect, s.db, migrationFS)
	if err != nil {
		return 0, fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied schema migration",
			"version", r.Source.Version,
			"duration", r.Duration)
	}
	return len(results), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// sqliteDSN turns a bare path into a URI carrying the pragmas the store
// relies on. URIs that already set pragmas are left alone.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// insertErr maps key collisions to storage.ErrAlreadyExists.
func insertErr(what string, err error) error {
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execOne runs a conditional update and reports whether exactly one row
// changed.
func execOne(ctx context.Context, db querier, query string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteExpired removes codes and tokens whose expiry is before the cutoff.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (storage.SweepResult, error) {
	var res storage.SweepResult
	cutoff := toNanos(before)

	targets := []struct {
		table string
		dst   *int
	}{
		{"oauth_authorization_codes", &res.Codes},
		{"oauth_access_tokens", &res.AccessTokens},
		{"oauth_refresh_tokens", &res.RefreshTokens},
	}
	for _, t := range targets {
		r, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+t.table+` WHERE expires_at < ?`), cutoff)
		if err != nil {
			return res, fmt.Errorf("deleting expired rows from %s: %w", t.table, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("counting deleted rows from %s: %w", t.table, err)
		}
		*t.dst = int(n)
	}
	return res, nil
}
