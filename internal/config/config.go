package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config holds daemon paths, listeners and component tuning.
type Config struct {
	ConfigPath         string
	DataDir            string
	RunDir             string
	SocketPath         string
	DBPath             string
	WakeListen         string
	MetricsListen      string
	ProxyConfigPath    string
	ProxyReloadCommand []string
	ProxyTLSIssuer     string
	DockerPath         string
	Timezone           string
	WakeTimeout        time.Duration
	WakePollInterval   time.Duration
	WakeMaxRetries     int
	WakeRateLimitQPS   float64
	WakeRateLimitBurst int
	EventBuffer        int
	EventHistoryLimit  int
	SeedFile           string
	ReconcileInterval  time.Duration
	RuleCheckInterval  time.Duration
	IdleCheckInterval  time.Duration
}

// FileConfig represents supported YAML config overrides. Durations are
// strings accepted by time.ParseDuration.
type FileConfig struct {
	DataDir            string   `yaml:"data_dir"`
	RunDir             string   `yaml:"run_dir"`
	SocketPath         string   `yaml:"socket_path"`
	DBPath             string   `yaml:"db_path"`
	WakeListen         string   `yaml:"wake_listen"`
	MetricsListen      string   `yaml:"metrics_listen"`
	ProxyConfigPath    string   `yaml:"proxy_config_path"`
	ProxyReloadCommand []string `yaml:"proxy_reload_command"`
	ProxyTLSIssuer     string   `yaml:"proxy_tls_issuer"`
	DockerPath         string   `yaml:"docker_path"`
	Timezone           string   `yaml:"timezone"`
	WakeTimeout        string   `yaml:"wake_timeout"`
	WakePollInterval   string   `yaml:"wake_poll_interval"`
	WakeMaxRetries     *int     `yaml:"wake_max_retries"`
	WakeRateLimitQPS   *float64 `yaml:"wake_rate_limit_qps"`
	WakeRateLimitBurst *int     `yaml:"wake_rate_limit_burst"`
	EventBuffer        int      `yaml:"event_buffer"`
	EventHistoryLimit  int      `yaml:"event_history_limit"`
	SeedFile           string   `yaml:"seed_file"`
	ReconcileInterval  string   `yaml:"reconcile_interval"`
	RuleCheckInterval  string   `yaml:"rule_check_interval"`
	IdleCheckInterval  string   `yaml:"idle_check_interval"`
}

const DefaultConfigPath = "/etc/berth/config.yaml"

func DefaultConfig() Config {
	dataDir := "/var/lib/berth"
	runDir := "/run/berth"
	return Config{
		ConfigPath:       DefaultConfigPath,
		DataDir:          dataDir,
		RunDir:           runDir,
		SocketPath:       filepath.Join(runDir, "berthd.sock"),
		DBPath:           filepath.Join(dataDir, "berth.db"),
		WakeListen:       "",
		MetricsListen:    "",
		ProxyConfigPath:  filepath.Join(dataDir, "Caddyfile"),
		ProxyTLSIssuer:   "internal",
		DockerPath:       "docker",
		Timezone:         "UTC",
		WakeTimeout:      60 * time.Second,
		WakePollInterval: time.Second,
		WakeMaxRetries:   3,
		// Gateway requests per second per client IP; zero disables limiting.
		WakeRateLimitQPS:   5,
		WakeRateLimitBurst: 10,
		EventBuffer:        64,
		EventHistoryLimit:  10000,
		ReconcileInterval:  30 * time.Second,
		RuleCheckInterval:  30 * time.Second,
		IdleCheckInterval:  time.Minute,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
// A missing file at the default path yields the defaults; an explicitly
// requested file must exist.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if explicit {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "berth.db")
	}
	if fileCfg.DataDir != "" && fileCfg.ProxyConfigPath == "" {
		cfg.ProxyConfigPath = filepath.Join(cfg.DataDir, "Caddyfile")
	}
	if fileCfg.RunDir != "" && fileCfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.RunDir, "berthd.sock")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.RunDir != "" {
		cfg.RunDir = fileCfg.RunDir
	}
	if fileCfg.SocketPath != "" {
		cfg.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.WakeListen != "" {
		cfg.WakeListen = fileCfg.WakeListen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.ProxyConfigPath != "" {
		cfg.ProxyConfigPath = fileCfg.ProxyConfigPath
	}
	if len(fileCfg.ProxyReloadCommand) > 0 {
		cfg.ProxyReloadCommand = append([]string(nil), fileCfg.ProxyReloadCommand...)
	}
	if fileCfg.ProxyTLSIssuer != "" {
		cfg.ProxyTLSIssuer = fileCfg.ProxyTLSIssuer
	}
	if fileCfg.DockerPath != "" {
		cfg.DockerPath = fileCfg.DockerPath
	}
	if fileCfg.Timezone != "" {
		cfg.Timezone = fileCfg.Timezone
	}
	if fileCfg.WakeMaxRetries != nil {
		cfg.WakeMaxRetries = *fileCfg.WakeMaxRetries
	}
	if fileCfg.WakeRateLimitQPS != nil {
		cfg.WakeRateLimitQPS = *fileCfg.WakeRateLimitQPS
	}
	if fileCfg.WakeRateLimitBurst != nil {
		cfg.WakeRateLimitBurst = *fileCfg.WakeRateLimitBurst
	}
	if fileCfg.EventBuffer > 0 {
		cfg.EventBuffer = fileCfg.EventBuffer
	}
	if fileCfg.EventHistoryLimit > 0 {
		cfg.EventHistoryLimit = fileCfg.EventHistoryLimit
	}
	if fileCfg.SeedFile != "" {
		cfg.SeedFile = fileCfg.SeedFile
	}
	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"wake_timeout", fileCfg.WakeTimeout, &cfg.WakeTimeout},
		{"wake_poll_interval", fileCfg.WakePollInterval, &cfg.WakePollInterval},
		{"reconcile_interval", fileCfg.ReconcileInterval, &cfg.ReconcileInterval},
		{"rule_check_interval", fileCfg.RuleCheckInterval, &cfg.RuleCheckInterval},
		{"idle_check_interval", fileCfg.IdleCheckInterval, &cfg.IdleCheckInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate performs basic validation of the merged configuration.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ProxyConfigPath == "" {
		return fmt.Errorf("proxy_config_path is required")
	}
	if c.DockerPath == "" {
		return fmt.Errorf("docker_path is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.WakeTimeout <= 0 {
		return fmt.Errorf("wake_timeout must be positive")
	}
	if c.WakePollInterval <= 0 {
		return fmt.Errorf("wake_poll_interval must be positive")
	}
	if c.WakePollInterval > c.WakeTimeout {
		return fmt.Errorf("wake_poll_interval must not exceed wake_timeout")
	}
	if c.WakeMaxRetries < 0 {
		return fmt.Errorf("wake_max_retries must not be negative")
	}
	if c.WakeRateLimitQPS < 0 || c.WakeRateLimitBurst < 0 {
		return fmt.Errorf("wake_rate_limit_qps and wake_rate_limit_burst must not be negative")
	}
	if c.WakeRateLimitQPS > 0 && c.WakeRateLimitBurst == 0 {
		return fmt.Errorf("wake_rate_limit_burst must be positive when wake_rate_limit_qps is set")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive")
	}
	if c.EventHistoryLimit <= 0 {
		return fmt.Errorf("event_history_limit must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if c.RuleCheckInterval <= 0 {
		return fmt.Errorf("rule_check_interval must be positive")
	}
	if c.IdleCheckInterval <= 0 {
		return fmt.Errorf("idle_check_interval must be positive")
	}
	if strings.TrimSpace(c.WakeListen) != "" {
		if _, _, err := net.SplitHostPort(c.WakeListen); err != nil {
			return fmt.Errorf("wake_listen must be host:port: %w", err)
		}
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

// Location returns the configured schedule time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
