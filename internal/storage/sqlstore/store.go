// Package sqlstore implements storage.Store over SQLite (modernc.org/sqlite)
// and PostgreSQL (lib/pq, with pgvector for embeddings when available).
// Queries are written with "?" placeholders and rebound for PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/tiermem/internal/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect is the SQL flavour of a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// pgvectorMigration adds the native vector column next to the JSON
// fallback. Applied outside the numbered migrations because the extension
// may be missing.
const pgvectorMigration = `ALTER TABLE memory_vectors ADD COLUMN IF NOT EXISTS embedding_vec vector`

// Store implements storage.Store.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	pgvector bool
}

var _ storage.Store = (*Store)(nil)

// Open opens a store for driver "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return OpenSQLite(ctx, dsn)
	case DialectPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", storage.ErrInvalidInput, driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database and applies migrations.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite supports one writer. A single connection serialises writes and
	// keeps ":memory:" databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dialect: DialectSQLite}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to PostgreSQL and applies migrations. Native vector
// storage is enabled when the pgvector extension can be created.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	s := &Store{db: db, dialect: DialectPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger := log.With().Str("component", "sqlstore").Logger()
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		logger.Warn().Err(err).Msg("pgvector extension not available, embeddings stored as JSON only")
		return s, nil
	}
	if _, err := db.ExecContext(ctx, pgvectorMigration); err != nil {
		logger.Warn().Err(err).Msg("failed to add vector column, embeddings stored as JSON only")
		return s, nil
	}
	s.pgvector = true
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	mgr, err := storage.NewMigrationManager(s.db, migrationsFS, "migrations/"+string(s.dialect), s.rebind)
	if err != nil {
		return fmt.Errorf("%s: %w", s.dialect, err)
	}
	if _, err := mgr.Up(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.dialect, err)
	}
	return nil
}

// Dialect reports the SQL flavour.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error {
	if s.dialect == DialectSQLite {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			log.Warn().Err(err).Str("component", "sqlstore").Msg("wal checkpoint failed")
		}
	}
	return s.db.Close()
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
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

// forUpdate locks selected rows on PostgreSQL. SQLite transactions are
// already serialised by the single connection.
func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// stringsArg encodes a string list: a native array on PostgreSQL, JSON text
// on SQLite.
func (s *Store) stringsArg(v []string) any {
	if v == nil {
		v = []string{}
	}
	if s.dialect == DialectPostgres {
		return pq.Array(v)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// stringsDest returns a scan destination matching stringsArg.
func (s *Store) stringsDest(dst *[]string) any {
	if s.dialect == DialectPostgres {
		return pq.Array(dst)
	}
	return jsonColumn[[]string]{dst}
}

func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonColumn scans JSON text or bytes into dst.
type jsonColumn[T any] struct{ dst *T }

func (j jsonColumn[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		var zero T
		*j.dst = zero
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(raw) == 0 {
		var zero T
		*j.dst = zero
		return nil
	}
	return json.Unmarshal(raw, j.dst)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant ID is required", storage.ErrInvalidInput)
	}
	return nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func unionStrings(base []string, add ...string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
