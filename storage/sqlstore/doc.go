// Package sqlstore implements storage.Store on a relational database through
// database/sql. SQLite (modernc.org/sqlite, pure Go) and PostgreSQL
// (github.com/jackc/pgx/v5) share one schema and one set of statements;
// placeholders are rewritten for PostgreSQL.
//
// The schema is managed with goose migrations embedded in the binary. Call
// Migrate once before use.
//
// ConsumeAuthorizationCode and RotateRefreshToken run in a transaction whose
// state change is a conditional UPDATE (WHERE used = 0, WHERE revoked = 0).
// The row count of that UPDATE decides the winner among concurrent callers.
//
//	store, err := sqlstore.Open(ctx, sqlstore.Config{
//		Dialect: sqlstore.DialectSQLite,
//		DSN:     "/var/lib/authz/authz.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
package sqlstore
