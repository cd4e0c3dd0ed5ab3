package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Live holds the active configuration; reloads swap the value atomically so
// consumers read a consistent snapshot per operation.
type Live struct {
	v atomic.Pointer[Config]
}

// NewLive wraps an initial configuration.
func NewLive(cfg Config) *Live {
	l := &Live{}
	l.v.Store(&cfg)
	return l
}

// Snapshot returns the current configuration value.
func (l *Live) Snapshot() Config {
	return *l.v.Load()
}

// Replace swaps in a new configuration.
func (l *Live) Replace(cfg Config) {
	l.v.Store(&cfg)
}

// Watch re-reads config.yaml on filesystem changes and swaps the live value.
// It returns after installing the watcher; the watch loop runs until ctx ends.
func (l *Live) Watch(ctx context.Context, homeDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so rename-based editors keep working.
	if err := fsw.Add(homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != "config.yaml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := LoadFrom(homeDir)
				if err != nil {
					logger.Error("config reload failed; keeping previous", "error", err)
					continue
				}
				l.Replace(cfg)
				logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
