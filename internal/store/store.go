// Package store provides the embedded SQLite persistence layer for request
// logs, worker status, service metrics, and service configuration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store wraps the database connection with production-grade configuration.
type Store struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Config holds store configuration
type Config struct {
	Path string
	Log  zerolog.Logger
}

// Open creates the store, applying PRAGMAs and bootstrapping the schema
// idempotently. Pass a file: URI for in-memory databases in tests.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve store path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		path = absPath
	}

	conn, err := sql.Open("sqlite", buildConnectionString(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Connection pool tuned for a long-running service: a handful of readers,
	// writes serialize through SQLite's own locking.
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{
		conn: conn,
		path: path,
		log:  cfg.Log.With().Str("component", "store").Logger(),
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to bootstrap store schema: %w", err)
	}

	return s, nil
}

// buildConnectionString creates the SQLite connection string with PRAGMAs.
// WAL with NORMAL sync is the balanced profile: readers never block the
// broker's logging writes. file: URIs may already carry query parameters
// (mode=memory&cache=shared), so the pragmas join with the right separator.
func buildConnectionString(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep + "_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=temp_store(MEMORY)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying sql.DB connection.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck pings the database and runs an integrity check.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}

	var result string
	if err := s.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint to prevent bloat.
// Modes: PASSIVE, FULL, RESTART, TRUNCATE.
func (s *Store) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// BackupTo writes a consistent snapshot of the database to path using
// VACUUM INTO, which is safe while the service is running.
func (s *Store) BackupTo(path string) error {
	if _, err := s.conn.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to snapshot store to %s: %w", path, err)
	}
	return nil
}

// FileStats describes database file statistics.
type FileStats struct {
	SizeBytes    int64 `json:"size_bytes"`
	WALSizeBytes int64 `json:"wal_size_bytes"`
	PageCount    int64 `json:"page_count"`
	PageSize     int64 `json:"page_size"`
}

// FileStats retrieves database file statistics.
func (s *Store) FileStats() (*FileStats, error) {
	stats := &FileStats{}

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	if info, err := os.Stat(s.path + "-wal"); err == nil {
		stats.WALSizeBytes = info.Size()
	}
	if err := s.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	return stats, nil
}
