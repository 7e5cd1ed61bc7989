// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pricing

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads a pricing table when its TOML file changes on disk.
// A file that fails to parse is ignored and the previous table stays in
// effect, so a bad deploy never leaves the governor without rates.
type Watcher struct {
	table   *Table
	path    string
	fsw     *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher starts watching path and reloading table on change.
func NewWatcher(table *Table, path string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pricing: create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config deploys often
	// replace the file by rename, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("pricing: watch %s: %w", dir, err)
	}

	w := &Watcher{
		table:   table,
		path:    path,
		fsw:     fsw,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	<-w.stopped
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.table.ReplaceFromFile(w.path); err != nil {
				w.logger.Warn().Err(err).Str("path", w.path).
					Msg("pricing reload failed, keeping previous table")
				continue
			}
			w.logger.Info().
				Str("path", w.path).
				Str("version", w.table.Version()).
				Msg("pricing table reloaded")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("pricing watcher error")
		}
	}
}
