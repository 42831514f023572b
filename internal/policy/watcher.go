// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce suppresses duplicate reloads from editors that fire
// several write events per save.
const reloadDebounce = 500 * time.Millisecond

// SettingsWatcher hot-reloads an engine's settings file. Invalid files are
// rejected by Reload and the previous settings stay active, so a truncated
// mid-write file never takes down a running engine.
type SettingsWatcher struct {
	engine     *Engine
	path       string
	logger     *slog.Logger
	newWatcher func() (*fsnotify.Watcher, error)
}

// NewSettingsWatcher creates a watcher for an engine built via NewFromStore.
func NewSettingsWatcher(e *Engine, logger *slog.Logger) (*SettingsWatcher, error) {
	if e.store == nil {
		return nil, fmt.Errorf("policy: engine has no settings store to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsWatcher{
		engine:     e,
		path:       e.store.Path(),
		logger:     logger,
		newWatcher: fsnotify.NewWatcher,
	}, nil
}

// Run watches the settings file until ctx is cancelled.
func (w *SettingsWatcher) Run(ctx context.Context) error {
	watcher, err := w.newWatcher()
	if err != nil {
		return fmt.Errorf("policy: create settings watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("policy: resolve settings path %s: %w", w.path, err)
	}
	// Watch the parent directory: editors replace files via rename, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("policy: watch settings dir: %w", err)
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !samePath(abs, event.Name) {
				continue
			}
			now := time.Now()
			if !lastReload.IsZero() && now.Sub(lastReload) < reloadDebounce {
				continue
			}
			lastReload = now

			// Let the file write complete; saves can trigger events on
			// truncation before the new content is flushed.
			time.Sleep(100 * time.Millisecond)

			if err := w.engine.Reload(); err != nil {
				w.logger.Error("policy: settings reload failed", "error", err)
				continue
			}
			w.logger.Info("policy: settings reloaded", "path", abs)
		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			w.logger.Error("policy: settings watcher error", "error", err)
		}
	}
}

func samePath(a, b string) bool {
	return filepath.Clean(strings.TrimSpace(a)) == filepath.Clean(strings.TrimSpace(b))
}
