package seed

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/berth-dev/berth/internal/config"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher re-applies the seed file whenever it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	applier  *Applier
	logger   *log.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(path string, applier *Applier, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{path: filepath.Clean(path), applier: applier, logger: logger, debounce: defaultDebounce}
}

// SetDebounce sets how long changes are batched before re-applying.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// ApplyOnce loads the file and applies it.
func (w *Watcher) ApplyOnce(ctx context.Context) (Result, error) {
	warning, err := config.CheckSeedPermissions(w.path)
	if err != nil {
		return Result{}, err
	}
	if warning != "" {
		w.logger.Printf("seed: %s", warning)
	}
	file, err := Load(w.path)
	if err != nil {
		return Result{}, err
	}
	return w.applier.Apply(ctx, file)
}

// Run watches until ctx is canceled. It returns an error only when the watch
// cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("seed watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("seed watcher: watch %s: %w", filepath.Dir(w.path), err)
	}
	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("seed: watch error: %v", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.ApplyOnce(ctx); err != nil {
			w.logger.Printf("seed: re-apply %s: %v", w.path, err)
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
