// Package sqlite implements the sendonce state store backed by a SQLite
// database. It holds tunnel records, capability token records, the bounded
// destroyed-tunnel history, and the monitor's log-tail checkpoints, and
// provides the atomic primitives (set-if-absent, compare-and-set, counter
// add, bounded sweeps) the lifecycle engine builds on.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all sendonce persistence
// operations. All timestamps are stored in UTC.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultTokenPurgeLimit = 1000
const defaultArchiveLimit = 500

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SizeBytes reports the current database size (page_count * page_size).
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&size)
	return size, err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	hostname TEXT NULL,
	public_url TEXT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	grace_deadline DATETIME NULL,
	last_activity_at DATETIME NULL,
	destroyed_at DATETIME NULL,
	bytes_served INTEGER NOT NULL DEFAULT 0,
	active_connections INTEGER NOT NULL DEFAULT 0,
	request_ids TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS tokens (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	tunnel_id TEXT NOT NULL,
	issued_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	consumed_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS tunnel_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	tunnel_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	hostname TEXT NULL,
	status TEXT NOT NULL,
	bytes_served INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	destroyed_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tail_offsets (
	log_path TEXT PRIMARY KEY,
	inode INTEGER NOT NULL,
	offset INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnels_status ON tunnels(status);
CREATE INDEX IF NOT EXISTS idx_tunnels_destroyed_at ON tunnels(destroyed_at);
CREATE INDEX IF NOT EXISTS idx_tunnels_expires_at ON tunnels(expires_at);
CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at);
CREATE INDEX IF NOT EXISTS idx_tokens_tunnel_id ON tokens(tunnel_id);
CREATE INDEX IF NOT EXISTS idx_history_destroyed_at ON tunnel_history(destroyed_at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
