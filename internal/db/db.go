package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrLeaseHeld    = errors.New("lease held by another worker")
	ErrLeaseLost    = errors.New("lease no longer owned")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	name       string
	driver     string
	skipLocked string // appended to claim subqueries
	numbered   bool   // uses $1, $2 placeholders
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "postgres",
		skipLocked: " FOR UPDATE SKIP LOCKED",
		numbered:   true,
	}
)

// DB represents the database connection.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// New opens the database described by dsn and initializes the schema.
// A postgres:// or postgresql:// URL selects postgres; anything else is
// treated as a sqlite file path.
func New(dsn string) (*DB, error) {
	if isPostgresDSN(dsn) {
		return openPostgres(dsn)
	}
	return openSQLite(dsn)
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openSQLite(dbPath string) (*DB, error) {
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")

	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Pragmas go through the DSN so every pooled connection gets them.
	// _txlock=immediate makes BEGIN take the write lock up front, which is
	// what serializes concurrent writers to the same mapping row.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=secure_delete(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate" +
		"&_time_format=sqlite"

	conn, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	db := &DB{conn: conn, dialect: sqliteDialect}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Set file permissions (0600 for security)
	if err := os.Chmod(dbPath, 0600); err != nil {
		// File might not exist yet in WAL mode
		_ = err
	}

	return db, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to connect: %w", ErrDatabaseInit, err)
	}

	db := &DB{conn: conn, dialect: postgresDialect}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Dialect returns the name of the active SQL backend.
func (db *DB) Dialect() string {
	return db.dialect.name
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Event pair mappings
		`CREATE TABLE IF NOT EXISTS mappings (
			id TEXT PRIMARY KEY,
			source_bridge TEXT NOT NULL,
			target_bridge TEXT NOT NULL,
			source_calendar_id TEXT NOT NULL,
			target_calendar_id TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			target_event_id TEXT,
			sync_direction TEXT NOT NULL DEFAULT 'source_to_target',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			event_data TEXT NOT NULL DEFAULT '',
			source_modified_at TIMESTAMP,
			last_synced_at TIMESTAMP,
			error_message TEXT NOT NULL DEFAULT '',
			error_count INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		// At most one live mapping per source event and per target event
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_source_tuple
			ON mappings(source_bridge, source_calendar_id, source_event_id)
			WHERE sync_status <> 'cancelled'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_target_tuple
			ON mappings(target_bridge, target_calendar_id, target_event_id)
			WHERE sync_status <> 'cancelled' AND target_event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_status ON mappings(sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_source_event ON mappings(source_bridge, source_event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_target_event ON mappings(target_bridge, target_event_id)`,

		// Resource to calendar mappings
		`CREATE TABLE IF NOT EXISTS resource_mappings (
			id TEXT PRIMARY KEY,
			bridge_from TEXT NOT NULL,
			bridge_to TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			sync_direction TEXT NOT NULL DEFAULT 'source_to_target',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_synced_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(bridge_from, bridge_to, resource_id, calendar_id)
		)`,

		// Work queue
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			queue_type TEXT NOT NULL,
			source_bridge TEXT NOT NULL DEFAULT '',
			target_bridge TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 5,
			payload TEXT NOT NULL DEFAULT '{}',
			dedupe_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			scheduled_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			processed_at TIMESTAMP,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items(status, priority, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_dedupe ON queue_items(queue_type, dedupe_key)`,

		// Sync logs (append-only)
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			source_bridge TEXT NOT NULL,
			target_bridge TEXT NOT NULL,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			events_failed INTEGER NOT NULL DEFAULT 0,
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_bridges ON sync_logs(source_bridge, target_bridge)`,

		// Delta query tokens per bridge calendar
		`CREATE TABLE IF NOT EXISTS delta_states (
			id TEXT PRIMARY KEY,
			bridge TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			delta_token TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(bridge, calendar_id)
		)`,

		// Single-owner leases for scheduled jobs
		`CREATE TABLE IF NOT EXISTS job_leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders for backends that number them.
func (db *DB) rebind(query string) string {
	if !db.dialect.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
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

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// execAffected runs a statement and returns ErrNotFound when no row changed.
func (db *DB) execAffected(ctx context.Context, query string, args ...any) error {
	result, err := db.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT // extended codes disabled
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

// placeholders returns n comma separated ? placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
