package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ThresholdUpdate carries the hot-reloadable parameter groups.
// Only gate thresholds and exit/PID constants may change mid-session;
// broker, stream and sizing settings require a restart.
type ThresholdUpdate struct {
	Gates GateConfig
	Exits ExitConfig
}

// Watcher reloads gate/exit thresholds when the config file changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	cooldown time.Duration
	last     time.Time
	mu       sync.Mutex
}

// NewWatcher creates a watcher for path. Cooldown suppresses editor
// write bursts; zero means 2s.
func NewWatcher(path string, cooldown time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &Watcher{path: path, watcher: fw, cooldown: cooldown}, nil
}

// Run blocks until ctx is done, invoking onUpdate with validated
// thresholds after each accepted change. Invalid files are skipped.
func (w *Watcher) Run(ctx context.Context, onUpdate func(ThresholdUpdate)) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !w.accept() {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.path)
			if err != nil {
				continue
			}
			if onUpdate != nil {
				onUpdate(ThresholdUpdate{Gates: cfg.Gates, Exits: cfg.Exits})
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

func (w *Watcher) accept() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.last) < w.cooldown {
		return false
	}
	w.last = now
	return true
}
