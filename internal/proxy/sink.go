package proxy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/berth-dev/berth/internal/runtime"
)

// Sink persists compiled artifacts.
type Sink interface {
	Write(ctx context.Context, artifact Artifact) error
}

// DiscardSink drops artifacts. Used when no proxy config path is configured.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Artifact) error { return nil }

// FileSink writes the artifact atomically and optionally runs a reload command.
type FileSink struct {
	Path          string
	ReloadCommand []string
	Runner        runtime.CommandRunner
	Timeout       time.Duration
	Logger        *log.Logger
}

func (s *FileSink) Write(ctx context.Context, artifact Artifact) error {
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("proxy config path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create proxy config dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(artifact.Content), 0o644); err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace proxy config: %w", err)
	}
	if len(s.ReloadCommand) == 0 {
		return nil
	}
	runner := s.Runner
	if runner == nil {
		runner = runtime.ExecRunner{}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if _, err := runner.Run(ctx, s.ReloadCommand[0], s.ReloadCommand[1:]...); err != nil {
		return fmt.Errorf("reload proxy: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Printf("proxy: reloaded (%d rule(s), checksum %.12s)", artifact.Rules, artifact.Checksum)
	}
	return nil
}
