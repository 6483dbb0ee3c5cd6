package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS scheduled_tasks (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT,
				target TEXT NOT NULL,
				target_kind TEXT NOT NULL,
				action TEXT NOT NULL,
				schedule TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				last_run TEXT,
				next_run TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS proxy_rules (
				id TEXT PRIMARY KEY,
				rule_key TEXT NOT NULL UNIQUE,
				subdomain TEXT NOT NULL,
				domain TEXT NOT NULL,
				target TEXT NOT NULL,
				workload_ref TEXT,
				tls INTEGER NOT NULL DEFAULT 0,
				health_check INTEGER NOT NULL DEFAULT 0,
				auto_generated INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				status_message TEXT,
				last_check TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_proxy_rules_workload_ref ON proxy_rules(workload_ref)`,
		},
	},
	{
		version: 2,
		name:    "add_event_history",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				seq INTEGER NOT NULL,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		},
	},
}

// Migrate brings the schema up to the latest version. Versions at or below
// the recorded one are skipped; each pending version runs in its own
// transaction together with its schema_migrations row.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	latest, err := checkMigrations(migrations)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > latest {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, latest)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d (%s): %w", m.version, m.name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s) statement %d: %w", m.version, m.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, formatTime(time.Now())); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// checkMigrations requires strictly increasing positive versions, a name and
// at least one statement per entry. It returns the latest version.
func checkMigrations(list []migration) (int, error) {
	if len(list) == 0 {
		return 0, errors.New("no migrations defined")
	}
	prev := 0
	for _, m := range list {
		switch {
		case m.version <= prev:
			return 0, fmt.Errorf("migration %d does not follow %d", m.version, prev)
		case m.name == "":
			return 0, fmt.Errorf("migration %d has no name", m.version)
		case len(m.statements) == 0:
			return 0, fmt.Errorf("migration %d has no statements", m.version)
		}
		prev = m.version
	}
	return prev, nil
}
