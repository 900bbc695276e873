// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for flowstate binaries.
//
// Records always go to the console writer (stderr by default) in text or
// JSON. When LogDir is set they are also appended, as JSON, to a daily
// file named {service}_{date}.log in that directory:
//
//	logger, err := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    LogDir:  "~/.flowstate/logs",
//	    Service: "flowstate",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config configures New. The zero value logs Info and above to stderr as
// text.
type Config struct {
	// Level is the minimum level written to every destination.
	Level slog.Level

	// JSON selects the JSON handler for the console writer. The file is
	// always JSON.
	JSON bool

	// LogDir enables file logging. A leading ~ expands to the home
	// directory. The directory is created if needed.
	LogDir string

	// Service is attached to every record as "service" and names the log
	// file. Defaults to "flowstate" for the file name only.
	Service string

	// Console receives the console output. Defaults to os.Stderr.
	Console io.Writer

	// Now names the log file. Defaults to time.Now.
	Now func() time.Time
}

// Logger wraps a slog.Logger and owns the log file, if any.
type Logger struct {
	slog *slog.Logger
	path string
	mu   sync.Mutex
	file *os.File
}

// New builds a Logger from cfg.
//
// Outputs:
//   - *Logger: Never nil when error is nil.
//   - error: The log directory or file could not be created.
func New(cfg Config) (*Logger, error) {
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var console slog.Handler
	if cfg.JSON {
		console = slog.NewJSONHandler(cfg.Console, opts)
	} else {
		console = slog.NewTextHandler(cfg.Console, opts)
	}

	l := &Logger{}
	handler := console
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg)
		if err != nil {
			return nil, err
		}
		l.file = file
		l.path = file.Name()
		handler = &multiHandler{handlers: []slog.Handler{console, slog.NewJSONHandler(file, opts)}}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

func openLogFile(cfg Config) (*os.File, error) {
	dir := expandPath(cfg.LogDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	service := cfg.Service
	if service == "" {
		service = "flowstate"
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, cfg.Now().Format("2006-01-02")))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the log file name, or "" without file logging.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fan-out handler
// -----------------------------------------------------------------------------

// multiHandler sends each record to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle returns the first error but still offers the record to every
// handler.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
