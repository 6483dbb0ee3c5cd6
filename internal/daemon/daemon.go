// Package daemon wires berth's components into the berthd service: the
// control API on a unix socket, the optional wake gateway and metrics
// listeners, and the background loops (event history, rule reconciler,
// rule prober, idle sleeper, seed watcher).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/db"
	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/proxy"
	"github.com/berth-dev/berth/internal/runtime"
	"github.com/berth-dev/berth/internal/schedule"
	"github.com/berth-dev/berth/internal/seed"
	"github.com/berth-dev/berth/internal/wake"
)

const (
	shutdownTimeout    = 5 * time.Second
	restoreTimeout     = 30 * time.Second
	proxyReloadTimeout = 30 * time.Second
	socketPerms        = 0o660
	runDirPerms        = 0o750
)

// Service owns the components and listeners of one berthd process.
type Service struct {
	cfg      config.Config
	store    *db.Store
	bus      *events.Bus
	metrics  *Metrics
	adapter  *runtime.Serialized
	engine   *schedule.Engine
	compiler *proxy.Compiler
	waker    *wake.Orchestrator

	history    *EventHistory
	reconciler *RuleReconciler
	prober     *RuleProber
	sleeper    *IdleSleeper
	seed       *seed.Watcher

	unixListener    net.Listener
	wakeListener    net.Listener
	metricsListener net.Listener
	unixServer      *http.Server
	wakeServer      *http.Server
	metricsServer   *http.Server
	logger          *log.Logger
}

// sessionRecorders fans a finished wake session out to several observers.
type sessionRecorders []wake.SessionRecorder

func (r sessionRecorders) RecordWake(session models.WakeSession) {
	for _, rec := range r {
		rec.RecordWake(session)
	}
}

// Run opens the store, binds listeners and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	adapter := &runtime.DockerAdapter{DockerPath: cfg.DockerPath}
	service, err := NewService(ctx, cfg, store, adapter, log.Default())
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService builds every component, restores persisted tasks and rules, and
// binds the listeners. adapter is wrapped so mutations of one workload never
// overlap.
func NewService(ctx context.Context, cfg config.Config, store *db.Store, adapter runtime.Adapter, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := ensureDir(cfg.RunDir, runDirPerms); err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	bus := events.NewBus(cfg.EventBuffer, logger).OnDrop(metrics.IncBusDrop)
	serialized := runtime.NewSerialized(adapter)

	engine := schedule.NewEngine(serialized, bus, store, logger).
		WithLocation(cfg.Location()).
		WithRecorder(metrics)
	sink := &proxy.FileSink{
		Path:          cfg.ProxyConfigPath,
		ReloadCommand: cfg.ProxyReloadCommand,
		Timeout:       proxyReloadTimeout,
		Logger:        logger,
	}
	compiler := proxy.NewCompiler(sink, store, bus, logger).
		WithOptions(proxy.Options{TLSIssuer: cfg.ProxyTLSIssuer}).
		WithRecorder(metrics)
	sleeper := NewIdleSleeper(serialized, bus, metrics, cfg.IdleCheckInterval, logger)
	waker := wake.NewOrchestrator(serialized, compiler, bus, logger).
		WithDefaults(wake.Options{
			Timeout:      cfg.WakeTimeout,
			PollInterval: cfg.WakePollInterval,
			MaxRetries:   wake.Retries(cfg.WakeMaxRetries),
		}).
		WithRecorder(sessionRecorders{metrics, sleeper})

	if err := restore(ctx, store, engine, compiler); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		metrics:    metrics,
		adapter:    serialized,
		engine:     engine,
		compiler:   compiler,
		waker:      waker,
		history:    NewEventHistory(bus, store, cfg.EventHistoryLimit, logger),
		reconciler: NewRuleReconciler(serialized, compiler, cfg.ReconcileInterval, logger),
		prober:     NewRuleProber(compiler, cfg.RuleCheckInterval, metrics, logger),
		sleeper:    sleeper,
		logger:     logger,
	}
	if cfg.SeedFile != "" {
		s.seed = seed.NewWatcher(cfg.SeedFile, seed.NewApplier(engine, compiler, logger), logger)
	}
	if err := s.listen(); err != nil {
		s.closeListeners()
		return nil, err
	}
	return s, nil
}

func restore(ctx context.Context, store *db.Store, engine *schedule.Engine, compiler *proxy.Compiler) error {
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	tasks, err := store.ListScheduledTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if err := engine.Restore(ctx, tasks); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	rules, err := store.ListProxyRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if err := compiler.Restore(ctx, rules); err != nil {
		return fmt.Errorf("restore rules: %w", err)
	}
	return nil
}

func (s *Service) listen() error {
	var err error
	s.unixListener, err = listenUnix(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	localMux := http.NewServeMux()
	localMux.HandleFunc("GET /healthz", healthHandler)
	NewControlAPI(s.engine, s.compiler, s.waker, s.adapter, s.logger).
		WithEvents(s.bus, s.store).
		WithMetricsEnabled(s.cfg.MetricsListen != "").
		WithListeners(s.cfg.ProxyConfigPath, s.cfg.WakeListen).
		Register(localMux)
	s.unixServer = newHTTPServer(localMux, 0)

	if s.cfg.WakeListen != "" {
		s.wakeListener, err = net.Listen("tcp", s.cfg.WakeListen)
		if err != nil {
			return fmt.Errorf("listen wake %s: %w", s.cfg.WakeListen, err)
		}
		limiter := NewWakeRateLimiter(s.cfg.WakeRateLimitQPS, s.cfg.WakeRateLimitBurst)
		// Wake responses may take up to the wake timeout.
		s.wakeServer = newHTTPServer(NewWakeGateway(s.waker, limiter, s.logger), s.cfg.WakeTimeout+shutdownTimeout)
	}
	if s.cfg.MetricsListen != "" {
		s.metricsListener, err = net.Listen("tcp", s.cfg.MetricsListen)
		if err != nil {
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = newHTTPServer(metricsMux, 0)
	}
	return nil
}

func newHTTPServer(handler http.Handler, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

// Serve starts the background loops and blocks until shutdown or a listener
// error occurs.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.history.Start(ctx)
	s.engine.Start(ctx)
	s.reconciler.Start(ctx)
	s.prober.Start(ctx)
	s.sleeper.Start(ctx)
	if s.seed != nil {
		if _, err := s.seed.ApplyOnce(ctx); err != nil {
			s.logger.Printf("berthd: seed %s: %v", s.cfg.SeedFile, err)
		}
		go func() {
			if err := s.seed.Run(ctx); err != nil {
				s.logger.Printf("berthd: %v", err)
			}
		}()
	}

	errCh := make(chan error, 3)
	remaining := 0
	serve := func(name, addr string, server *http.Server, listener net.Listener) {
		if server == nil {
			return
		}
		remaining++
		s.logger.Printf("berthd: listening on %s=%s", name, addr)
		go func() { errCh <- server.Serve(listener) }()
	}
	serve("unix", s.cfg.SocketPath, s.unixServer, s.unixListener)
	serve("wake", s.cfg.WakeListen, s.wakeServer, s.wakeListener)
	serve("metrics", s.cfg.MetricsListen, s.metricsServer, s.metricsListener)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancel()
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	s.history.Wait()
	if s.store != nil {
		_ = s.store.Close()
	}
	_ = os.Remove(s.cfg.SocketPath)
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range []*http.Server{s.unixServer, s.wakeServer, s.metricsServer} {
		if server != nil {
			_ = server.Shutdown(ctx)
		}
	}
	s.engine.Stop()
	s.bus.Close()
}

func (s *Service) closeListeners() {
	for _, l := range []net.Listener{s.unixListener, s.wakeListener, s.metricsListener} {
		if l != nil {
			_ = l.Close()
		}
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("run_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
