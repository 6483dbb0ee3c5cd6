package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func appliedVersions(t *testing.T, conn *sql.DB) []int {
	t.Helper()
	rows, err := conn.Query("SELECT version FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()
	var versions []int
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	return versions
}

func TestMigrateFreshAndRepeated(t *testing.T) {
	ctx := context.Background()
	conn := openRaw(t)

	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, Migrate(ctx, conn))
	assert.Equal(t, []int{1, 2}, appliedVersions(t, conn))

	for _, name := range []string{"scheduled_tasks", "proxy_rules", "events", "idx_proxy_rules_workload_ref", "idx_events_kind"} {
		var count int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = ?", name).Scan(&count))
		assert.Equal(t, 1, count, name)
	}
}

func TestMigrateResumesFromRecordedVersion(t *testing.T) {
	ctx := context.Background()
	conn := openRaw(t)

	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = saved[:1]
	require.NoError(t, Migrate(ctx, conn))
	migrations = saved
	assert.Equal(t, []int{1}, appliedVersions(t, conn))

	require.NoError(t, Migrate(ctx, conn))
	assert.Equal(t, []int{1, 2}, appliedVersions(t, conn))
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	conn := openRaw(t)
	require.NoError(t, Migrate(ctx, conn))
	_, err := conn.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (99, 'future', '2030-01-01T00:00:00Z')")
	require.NoError(t, err)

	assert.EqualError(t, Migrate(ctx, conn), "schema version 99 is newer than this build (2)")
}

func TestMigrateRollsBackFailedVersion(t *testing.T) {
	ctx := context.Background()
	conn := openRaw(t)

	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = []migration{
		{version: 1, name: "ok", statements: []string{"CREATE TABLE a (id INTEGER)"}},
		{version: 2, name: "broken", statements: []string{"CREATE TABLE b (id INTEGER)", "NOT SQL"}},
	}
	err := Migrate(ctx, conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2 (broken) statement 2")
	assert.Equal(t, []int{1}, appliedVersions(t, conn))

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'").Scan(&count))
	assert.Zero(t, count)
}

func TestMigrateNilDB(t *testing.T) {
	assert.EqualError(t, Migrate(context.Background(), nil), "db is nil")
}

func TestCheckMigrations(t *testing.T) {
	latest, err := checkMigrations(migrations)
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	cases := []struct {
		list []migration
		want string
	}{
		{nil, "no migrations defined"},
		{[]migration{{version: 1, name: "a", statements: []string{"SELECT 1"}}, {version: 1, name: "b", statements: []string{"SELECT 1"}}}, "migration 1 does not follow 1"},
		{[]migration{{version: 2, name: "a", statements: []string{"SELECT 1"}}, {version: 1, name: "b"}}, "migration 1 does not follow 2"},
		{[]migration{{version: 0, name: "a"}}, "migration 0 does not follow 0"},
		{[]migration{{version: 1, statements: []string{"SELECT 1"}}}, "migration 1 has no name"},
		{[]migration{{version: 1, name: "a"}}, "migration 1 has no statements"},
	}
	for _, tc := range cases {
		_, err := checkMigrations(tc.list)
		assert.EqualError(t, err, tc.want)
	}
}
