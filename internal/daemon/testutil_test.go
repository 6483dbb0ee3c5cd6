package daemon

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/berth-dev/berth/internal/clock"
	"github.com/berth-dev/berth/internal/db"
	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/proxy"
	"github.com/berth-dev/berth/internal/runtime"
	"github.com/berth-dev/berth/internal/schedule"
	"github.com/berth-dev/berth/internal/wake"
)

type testHarness struct {
	mux      *http.ServeMux
	store    *db.Store
	bus      *events.Bus
	adapter  *runtime.FakeAdapter
	engine   *schedule.Engine
	compiler *proxy.Compiler
	waker    *wake.Orchestrator
	clock    *clock.Fake
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "berth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := discardLogger()
	store := newTestStore(t)
	bus := events.NewBus(64, logger)
	t.Cleanup(bus.Close)

	fake := runtime.NewFakeAdapter()
	fake.Add("c-api", "api", runtime.StateStopped, nil)
	fake.Add("c-web", "web", runtime.StateRunning, map[string]string{runtime.LabelDomain: "www.example.com"})
	serialized := runtime.NewSerialized(fake)

	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	engine := schedule.NewEngine(serialized, bus, store, logger).WithClock(clk).WithLocation(time.UTC)
	compiler := proxy.NewCompiler(nil, store, bus, logger)
	waker := wake.NewOrchestrator(serialized, compiler, bus, logger)

	mux := http.NewServeMux()
	NewControlAPI(engine, compiler, waker, serialized, logger).
		WithEvents(bus, store).
		WithListeners("/var/lib/berth/Caddyfile", "127.0.0.1:8089").
		Register(mux)
	return &testHarness{
		mux:      mux,
		store:    store,
		bus:      bus,
		adapter:  fake,
		engine:   engine,
		compiler: compiler,
		waker:    waker,
		clock:    clk,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
