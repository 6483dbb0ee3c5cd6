// Command berthd is the berth daemon: it runs the scheduler, compiles proxy
// rules and wakes workloads on request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/berth-dev/berth/internal/buildinfo"
	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/daemon"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		showVersion bool
		checkOnly   bool
		configPath  string
	)
	fs := flag.NewFlagSet("berthd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.BoolVar(&checkOnly, "check", false, "validate the config file and exit")
	fs.StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultConfigPath+")")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return 0
	}

	log.SetOutput(stderr)
	cfg, err := loadConfig(configPath, log.Default())
	if err != nil {
		fmt.Fprintln(stderr, "berthd:", err)
		return 1
	}
	if checkOnly {
		fmt.Fprintf(stdout, "config ok (%s)\n", cfg.ConfigPath)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("berthd %s starting (config=%s)", buildinfo.Short(), cfg.ConfigPath)
	if err := daemon.Run(ctx, cfg); err != nil {
		fmt.Fprintln(stderr, "berthd:", err)
		return 1
	}
	log.Printf("berthd stopped")
	return 0
}

// loadConfig checks the permissions of the config file, when there is one,
// and loads it over the defaults.
func loadConfig(path string, logger *log.Logger) (config.Config, error) {
	checkPath := path
	if checkPath == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			checkPath = config.DefaultConfigPath
		}
	}
	if checkPath != "" {
		warning, err := config.CheckConfigPermissions(checkPath)
		if err != nil {
			return config.Config{}, err
		}
		if warning != "" {
			logger.Printf("berthd: warning: %s", warning)
		}
	}
	return config.Load(path)
}
