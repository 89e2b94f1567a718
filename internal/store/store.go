// Package store is the durable state layer: markets, trades, liquidity
// snapshots, 5-minute candles, spot samples, and per-market sync cursors.
//
// Backed by SQLite (modernc.org/sqlite, pure Go) in WAL mode. All writes
// are idempotent where the data model calls for it: trades and liquidity
// events are unique on (tx_hash, log_index) and duplicate inserts are
// silently ignored; candles merge under the documented OHLCV rule; the
// sync cursor never regresses. Fixed-18 values are stored as base-10
// integer text so precision is unbounded.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the store-backed job queue.
func (s *Store) DB() *sql.DB {
	return s.db
}
