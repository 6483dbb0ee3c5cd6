package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/run/berth/berthd.sock", cfg.SocketPath)
	assert.Equal(t, "/var/lib/berth/berth.db", cfg.DBPath)
	assert.Equal(t, 60*time.Second, cfg.WakeTimeout)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := Load(writeConfig(t, "wake_max_retries: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.WakeMaxRetries)

	cfg, err = Load(writeConfig(t, "wake_timeout: 30s\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WakeMaxRetries)
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/berth
run_dir: /tmp/berth-run
wake_listen: 127.0.0.1:8080
metrics_listen: localhost:9101
proxy_reload_command: ["caddy", "reload", "--config", "/srv/berth/Caddyfile"]
proxy_tls_issuer: ops@example.com
timezone: Europe/Berlin
wake_timeout: 90s
wake_poll_interval: 500ms
wake_max_retries: 5
wake_rate_limit_qps: 0
event_buffer: 128
event_history_limit: 500
seed_file: /etc/berth/seed.toml
reconcile_interval: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, "/srv/berth/berth.db", cfg.DBPath)
	assert.Equal(t, "/srv/berth/Caddyfile", cfg.ProxyConfigPath)
	assert.Equal(t, "/tmp/berth-run/berthd.sock", cfg.SocketPath)
	assert.Equal(t, "127.0.0.1:8080", cfg.WakeListen)
	assert.Equal(t, []string{"caddy", "reload", "--config", "/srv/berth/Caddyfile"}, cfg.ProxyReloadCommand)
	assert.Equal(t, "ops@example.com", cfg.ProxyTLSIssuer)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, 90*time.Second, cfg.WakeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.WakePollInterval)
	assert.Equal(t, 5, cfg.WakeMaxRetries)
	assert.Zero(t, cfg.WakeRateLimitQPS)
	assert.Equal(t, 10, cfg.WakeRateLimitBurst)
	assert.Equal(t, 128, cfg.EventBuffer)
	assert.Equal(t, 500, cfg.EventHistoryLimit)
	assert.Equal(t, "/etc/berth/seed.toml", cfg.SeedFile)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.RuleCheckInterval)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "wake_timeout: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wake_timeout")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "wake_listen: [unterminated\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidateRejectsNonLoopbackMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsListen = "0.0.0.0:9101"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "localhost-only") {
		t.Fatalf("expected localhost-only error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"wake listen", func(c *Config) { c.WakeListen = "8080" }, "wake_listen must be host:port"},
		{"poll exceeds timeout", func(c *Config) { c.WakePollInterval = 2 * c.WakeTimeout }, "must not exceed wake_timeout"},
		{"retries", func(c *Config) { c.WakeMaxRetries = -1 }, "wake_max_retries must not be negative"},
		{"negative rate", func(c *Config) { c.WakeRateLimitQPS = -1 }, "wake_rate_limit_qps"},
		{"rate without burst", func(c *Config) { c.WakeRateLimitBurst = 0 }, "wake_rate_limit_burst"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"event buffer", func(c *Config) { c.EventBuffer = 0 }, "event_buffer"},
		{"socket", func(c *Config) { c.SocketPath = "" }, "socket_path is required"},
		{"idle interval", func(c *Config) { c.IdleCheckInterval = 0 }, "idle_check_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
