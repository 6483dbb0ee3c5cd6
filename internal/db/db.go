// Package db persists scheduled tasks, proxy rules and the event history in
// SQLite. The schedule engine and the proxy compiler own the authoritative
// in-memory sets; the store is written on every mutation and read back once
// at startup.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dataDirPerms = 0o750
	openTimeout  = 30 * time.Second
)

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// Store wraps the single SQLite connection used by berthd.
type Store struct {
	Path string
	DB   *sql.DB
}

// Open creates the parent directory, connects, applies pragmas and migrates
// the schema. Writes are funnelled through one connection.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dataDirPerms); err != nil {
		return nil, fmt.Errorf("create db dir for %s: %w", path, err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := prepare(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("prepare sqlite %s: %w", path, err)
	}
	return &Store{Path: path, DB: conn}, nil
}

func prepare(ctx context.Context, conn *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return Migrate(ctx, conn)
}

// Close is safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
