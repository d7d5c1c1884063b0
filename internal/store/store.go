package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/steptrace/internal/logging"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Schema version tracking:
// 0 - Empty database
// 1 - Runs, steps, step_metrics, candidates, outcomes
const currentSchemaVersion = 1

// Driver names a supported database engine.
type Driver string

const (
	// DriverSQLite is the embedded default (mattn/go-sqlite3).
	DriverSQLite Driver = "sqlite"
	// DriverPostgres uses lib/pq.
	DriverPostgres Driver = "postgres"
)

// Store is the Storage Engine and Ingestion Transaction Coordinator.
// It also serves the read-side queries.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created_at/updated_at bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// OpenDriver opens a store for the given driver and data source.
// For SQLite the data source is a file path.
func OpenDriver(driver Driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		return Open(dsn, opts...)
	case DriverPostgres:
		return OpenPostgres(dsn, opts...)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Writers are serialised through a single connection, which is what makes
// concurrent ingestion of the same id safe without an application lock.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return newStore(db, sqliteDialect, opts), nil
}

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
// Concurrent ingestion of the same id is serialised by row locks
// (SELECT ... FOR UPDATE and ON CONFLICT).
func OpenPostgres(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schemaPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return newStore(db, postgresDialect, opts), nil
}

func newStore(db *sql.DB, d dialect, opts []Option) *Store {
	s := &Store{
		db:      db,
		dialect: d,
		now:     time.Now,
		logger:  logging.New("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports which engine backs the store.
func (s *Store) Driver() Driver {
	return s.dialect.driver
}

// Ping checks database connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQLite); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// dialect captures the SQL differences between the supported engines.
// Queries are written with ? placeholders and rebound per engine.
type dialect struct {
	driver Driver

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// lockClause is appended to reads that precede an update.
	lockClause string

	// binaryCollate orders text by bytes for deterministic listings.
	binaryCollate string
}

var (
	sqliteDialect = dialect{
		driver:        DriverSQLite,
		binaryCollate: " COLLATE BINARY",
	}
	postgresDialect = dialect{
		driver:        DriverPostgres,
		numbered:      true,
		lockClause:    " FOR UPDATE",
		binaryCollate: ` COLLATE "C"`,
	}
)

// rebind rewrites ? placeholders for the engine. Queries never contain
// literal question marks.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
