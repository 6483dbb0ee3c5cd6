package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

// testConfig keeps the socket under a short temp dir; unix socket paths are
// limited to about a hundred bytes.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	runDir, err := os.MkdirTemp("", "berthd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(runDir) })
	dataDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(dataDir, "config.yaml")
	cfg.DataDir = dataDir
	cfg.RunDir = runDir
	cfg.SocketPath = filepath.Join(runDir, "berthd.sock")
	cfg.DBPath = filepath.Join(dataDir, "berth.db")
	cfg.ProxyConfigPath = filepath.Join(dataDir, "Caddyfile")
	cfg.WakeListen = "127.0.0.1:0"
	cfg.MetricsListen = "127.0.0.1:0"
	cfg.WakeTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func getBody(t *testing.T, client *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServiceServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	fake := runtime.NewFakeAdapter()
	fake.Add("c-web", "web", runtime.StateStopped, map[string]string{
		runtime.LabelDomain: "web.example.com",
		runtime.LabelPort:   "8080",
	})

	service, err := NewService(context.Background(), cfg, store, fake, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Serve(ctx) }()

	client := unixClient(cfg.SocketPath)
	status, body := getBody(t, client, "http://berthd/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	require.Eventually(t, func() bool {
		_, err := service.compiler.Get("auto-web")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	status, body = getBody(t, client, "http://berthd/v1/status")
	require.Equal(t, http.StatusOK, status)
	var st V1StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.True(t, st.Metrics.Enabled)

	wakeURL := "http://" + service.wakeListener.Addr().String() + "/"
	req, err := http.NewRequest(http.MethodGet, wakeURL, nil)
	require.NoError(t, err)
	req.Host = "web.example.com"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runtime.StateRunning, fake.State("c-web"))
	assert.True(t, service.sleeper.Tracked("c-web"))

	status, body = getBody(t, http.DefaultClient, "http://"+service.metricsListener.Addr().String()+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `berth_wake_sessions_total{state="ready"} 1`)

	artifact, err := os.ReadFile(cfg.ProxyConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), "web.example.com")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not shut down")
	}
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServiceRestoresPersistedState(t *testing.T) {
	cfg := testConfig(t)
	cfg.WakeListen = ""
	cfg.MetricsListen = ""
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertScheduledTask(ctx, models.ScheduledTask{
		ID: "nightly", Name: "nightly restart", Target: "api", TargetKind: models.TargetWorkload,
		Action: models.ActionRestart, Schedule: "0 3 * * *", Enabled: true,
		Status: models.TaskActive, CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, store.UpsertProxyRule(ctx, models.ProxyRule{
		ID: "r1", Subdomain: "app", Domain: "example.com", Target: "http://10.0.0.5:8080",
		Status: models.RuleActive, CreatedAt: created, UpdatedAt: created,
	}))

	service, err := NewService(ctx, cfg, store, runtime.NewFakeAdapter(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(service.closeListeners)
	assert.Nil(t, service.wakeServer)
	assert.Nil(t, service.metricsServer)

	task, err := service.engine.Get("nightly")
	require.NoError(t, err)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, 3, task.NextRun.In(cfg.Location()).Hour())

	rule, err := service.compiler.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", rule.Host())

	artifact, err := os.ReadFile(cfg.ProxyConfigPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(artifact), "reverse_proxy http://10.0.0.5:8080"))
}

func TestNewServiceRejectsBusyWakeListener(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.WakeListen = busy.Addr().String()
	_, err = NewService(context.Background(), cfg, newTestStore(t), runtime.NewFakeAdapter(), discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen wake")
}
