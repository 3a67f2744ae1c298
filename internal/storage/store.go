// Package storage persists desk state in SQLite. All timestamps are
// stored as RFC3339Nano TEXT; the single-connection pool keeps writes
// serialized under WAL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  address TEXT NOT NULL,
  funder_address TEXT NOT NULL,
  derivation_path TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id),
  side TEXT NOT NULL,
  token_id TEXT NOT NULL,
  price_pips INTEGER NOT NULL,
  size REAL NOT NULL,
  notional REAL NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  settled_at TEXT,
  execution_hash TEXT NOT NULL DEFAULT '',
  failure_reason TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL REFERENCES orders(id),
  user_id TEXT NOT NULL,
  token_id TEXT NOT NULL,
  stage INTEGER NOT NULL,
  price REAL NOT NULL,
  size REAL NOT NULL,
  tx_hash TEXT NOT NULL DEFAULT '',
  detected_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);`,
		`
CREATE TABLE IF NOT EXISTS deposits (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id),
  tx_hash TEXT NOT NULL,
  amount TEXT NOT NULL,
  block_number INTEGER NOT NULL,
  ts TEXT NOT NULL,
  status TEXT NOT NULL,
  UNIQUE (user_id, tx_hash)
);`,
		`CREATE INDEX IF NOT EXISTS idx_deposits_user_block ON deposits(user_id, block_number DESC);`,
		`
CREATE TABLE IF NOT EXISTS deposit_checkpoints (
  user_id TEXT PRIMARY KEY REFERENCES users(id),
  last_block INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}
