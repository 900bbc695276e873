// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/dispatch"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// reloadDebounce coalesces the burst of events one save produces.
const reloadDebounce = 100 * time.Millisecond

// projectState is what the watcher compares a changed file against.
type projectState interface {
	Enqueue(a action.Action) bool
	Snapshot() *store.Store
	HistoryIndex() int
	HistoryLen() int
}

var _ projectState = (*dispatch.Dispatcher)(nil)

// projectWatcher enqueues OpenProject when the project file changes on
// disk and no longer matches the live state.
//
// The directory is watched rather than the file: atomic saves replace the
// file through a rename, which ends a watch on the old inode.
type projectWatcher struct {
	path    string
	d       projectState
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func newProjectWatcher(path string, d projectState, logger *slog.Logger) (*projectWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &projectWatcher{
		path:    abs,
		d:       d,
		watcher: watcher,
		logger:  logger.With(slog.String("component", "watcher"), slog.String("path", abs)),
	}, nil
}

// Run handles events until ctx is done, then closes the watcher.
func (w *projectWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Debug("watching project file")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("project watcher error", slog.String("error", err.Error()))

		case <-debounce:
			debounce = nil
			w.reload(ctx)
		}
	}
}

func (w *projectWatcher) reload(ctx context.Context) {
	if matchesLive(ctx, w.path, w.d) {
		w.logger.Debug("project file matches live state, not reloading")
		return
	}
	if !w.d.Enqueue(action.OpenProject{Path: w.path}) {
		w.logger.Warn("project changed on disk but the queue refused the reload")
		return
	}
	w.logger.Info("project changed on disk, reloading")
}

// matchesLive reports whether the file at name holds what the dispatcher
// would write there itself, as after its own SaveProject. Files that do
// not read count as not matching, so the load reports the error.
func matchesLive(ctx context.Context, name string, d projectState) bool {
	doc, err := project.Read(ctx, name)
	if err != nil {
		return false
	}
	switch doc.Format {
	case project.FormatState:
		return store.Equal(doc.State, d.Snapshot())
	case project.FormatReplay:
		return len(doc.Replay.Gestures) == d.HistoryLen()-1 && doc.Replay.Index == d.HistoryIndex()
	}
	return false
}
