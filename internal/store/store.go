// Package store persists message mappings, topic mappings and worker log
// records in SQLite (default) or Postgres.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Dialect identifies the SQL backend behind a Store.
type Dialect string

const (
	// DialectSQLite is an embedded SQLite database file.
	DialectSQLite Dialect = "sqlite3"
	// DialectPostgres is a Postgres server reached through pgx.
	DialectPostgres Dialect = "pgx"
)

// Store is the persistent side of the mapping store, shared by all workers.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to dsn, applies connection settings and ensures tables exist.
//
// DSNs starting with postgres:// or postgresql:// use Postgres; anything else
// is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("open store: empty dsn")
	}

	dialect := DialectForDSN(trimmed)
	db, err := sql.Open(string(dialect), trimmed)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	store := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
	if dialect == DialectSQLite {
		if err := store.applyPragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := store.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// DialectForDSN picks the backend for dsn.
func DialectForDSN(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}

	return DialectSQLite
}

// Dialect reports the backend in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) applySchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}

	for _, statement := range strings.Split(schema, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// rebind rewrites "?" placeholders into "$N" for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 8)
	position := 0
	for _, char := range query {
		if char != '?' {
			builder.WriteRune(char)
			continue
		}
		position++
		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(position))
	}

	return builder.String()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}
