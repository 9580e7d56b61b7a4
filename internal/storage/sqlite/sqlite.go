// Package sqlite provides an embedded SQLite key-value backend for offq.
//
// The database runs in embedded mode with WAL so that the CLI can read the
// persisted queue while the daemon owns the writes.
//
// Architecture:
//   - Database file: .offq/offq.db
//   - Table: kv (key TEXT PRIMARY KEY, value BLOB, updated_at TEXT)
//   - Drivers: "sqlite3" (ncruces/go-sqlite3, pure Go via WASM) or
//     "libsql" (tursodatabase/go-libsql)
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/offq/offq/internal/storage"
)

// Supported driver names.
const (
	DriverSQLite = "sqlite3"
	DriverLibSQL = "libsql"
)

// Options configures Open.
type Options struct {
	// Driver selects the database/sql driver (default: sqlite3).
	Driver string

	// BusyTimeout is how long a writer waits on a locked database (default: 5s).
	BusyTimeout time.Duration
}

// KV wraps a database connection and implements storage.KV.
type KV struct {
	conn   *sql.DB
	path   string
	driver string
}

var _ storage.KV = (*KV)(nil)

// Open creates a new database connection at the specified path and ensures
// the kv table exists.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	kv, err := sqlite.Open(".offq/offq.db", sqlite.Options{})
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
func Open(path string, opts Options) (*KV, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	// In-memory databases have no parent directory
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if path != ":memory:" {
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open(opts.Driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer keeps persist-before-return ordering simple
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	kv := &KV{
		conn:   conn,
		path:   path,
		driver: opts.Driver,
	}

	if opts.Driver == DriverSQLite {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds())); err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if err := kv.initSchema(context.Background()); err != nil {
		_ = kv.Close()
		return nil, err
	}

	return kv, nil
}

func (kv *KV) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`

	if _, err := kv.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database location.
func (kv *KV) Path() string {
	return kv.path
}

// Get implements storage.KV.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if kv.conn == nil {
		return nil, storage.ErrUnavailable
	}

	var value []byte
	err := kv.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Put implements storage.KV.
func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	if kv.conn == nil {
		return storage.ErrUnavailable
	}

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := kv.conn.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.KV.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if kv.conn == nil {
		return storage.ErrUnavailable
	}

	if _, err := kv.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys returns every stored key in order.
func (kv *KV) Keys(ctx context.Context) ([]string, error) {
	if kv.conn == nil {
		return nil, storage.ErrUnavailable
	}

	rows, err := kv.conn.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (kv *KV) Close() error {
	if kv.conn == nil {
		return nil
	}

	if kv.driver == DriverSQLite && kv.path != ":memory:" {
		if _, err := kv.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := kv.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	kv.conn = nil
	return nil
}
