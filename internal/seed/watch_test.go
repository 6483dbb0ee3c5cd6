package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcherApplyOnceChecksPermissions(t *testing.T) {
	engine, compiler := newTargets(t)
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o666))
	require.NoError(t, os.Chmod(path, 0o666))

	w := NewWatcher(path, NewApplier(engine, compiler, discard()), discard())
	_, err := w.ApplyOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be writable by others")

	require.NoError(t, os.Chmod(path, 0o644))
	res, err := w.ApplyOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.TasksCreated)
}

func TestWatcherReappliesOnChange(t *testing.T) {
	engine, compiler := newTargets(t)
	path := filepath.Join(t.TempDir(), "seed.toml")
	writeSeed(t, path, sample)

	w := NewWatcher(path, NewApplier(engine, compiler, discard()), discard())
	w.SetDebounce(10 * time.Millisecond)
	_, err := w.ApplyOnce(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before the file is replaced.
	time.Sleep(50 * time.Millisecond)
	writeSeed(t, path, strings.Replace(sample, "http://api:8080", "http://api:9090", 1))

	require.Eventually(t, func() bool {
		rule, err := compiler.Get("api")
		return err == nil && rule.Target == "http://api:9090"
	}, 2*time.Second, 10*time.Millisecond)
}
