// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16*time.Millisecond, cfg.Dispatcher.TickInterval)
	assert.False(t, cfg.Journal.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dispatcher:
  tick_interval: 5ms
  gesture_timeout: 1s
  queue_capacity: 128
  debug: true
journal:
  enabled: true
  in_memory: true
server:
  enabled: true
  addr: "localhost:9000"
  project_dir: /srv/songs
  allowed_origins: ["http://localhost:5173"]
logging:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, cfg.Dispatcher.TickInterval)
	assert.Equal(t, time.Second, cfg.Dispatcher.GestureTimeout)
	assert.Equal(t, 128, cfg.Dispatcher.QueueCapacity)
	assert.True(t, cfg.Dispatcher.Debug)
	assert.True(t, cfg.Journal.InMemory)
	assert.Equal(t, "localhost:9000", cfg.Server.Addr)
	assert.Equal(t, "/srv/songs", cfg.Server.ProjectDir)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.Logging.SlogLevel())

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, "flowstate", cfg.Telemetry.ServiceName)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowstate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "warn", "format": "text"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("FLOWSTATE_TICK_INTERVAL", "20ms")
	t.Setenv("FLOWSTATE_QUEUE_CAPACITY", "64")
	t.Setenv("FLOWSTATE_DEBUG", "1")
	t.Setenv("FLOWSTATE_LOG_FORMAT", "json")
	t.Setenv("FLOWSTATE_ACTIONS_PER_SECOND", "0")
	t.Setenv("FLOWSTATE_PROJECT_DIR", "/srv/songs")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, cfg.Dispatcher.TickInterval)
	assert.Equal(t, 64, cfg.Dispatcher.QueueCapacity)
	assert.True(t, cfg.Dispatcher.Debug)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Zero(t, cfg.Server.ActionsPerSecond)
	assert.Equal(t, "/srv/songs", cfg.Server.ProjectDir)

	t.Run("unparsable value", func(t *testing.T) {
		t.Setenv("FLOWSTATE_GESTURE_TIMEOUT", "soon")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "FLOWSTATE_GESTURE_TIMEOUT")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero tick", func(c *Config) { c.Dispatcher.TickInterval = 0 }, "TickInterval"},
		{"zero capacity", func(c *Config) { c.Dispatcher.QueueCapacity = 0 }, "QueueCapacity"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"bad exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "TraceExporter"},
		{"bad addr", func(c *Config) { c.Server.Addr = "nowhere" }, "Addr"},
		{"journal without path", func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
		}, "journal.path"},
		{"server without addr", func(c *Config) {
			c.Server.Enabled = true
			c.Server.Addr = ""
		}, "server.addr"},
		{"bad origin", func(c *Config) { c.Server.AllowedOrigins = []string{"not a url"} }, "AllowedOrigins"},
		{"rate without burst", func(c *Config) { c.Server.Burst = 0 }, "server.burst"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "otlp_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestToJournalConfig(t *testing.T) {
	c := JournalConfig{Path: "/tmp/j", SessionID: "s1", SyncWrites: true}
	jc := c.ToJournalConfig(slog.Default())
	assert.Equal(t, "/tmp/j", jc.Path)
	assert.Equal(t, "s1", jc.SessionID)
	assert.True(t, jc.SyncWrites)
	assert.NoError(t, jc.Validate())
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	c := LoggingConfig{Level: "warn", Format: "json", Dir: dir}

	l, err := c.NewLogger(&buf, "flowstate")
	require.NoError(t, err)
	l.Slog().Info("dropped")
	l.Slog().Warn("kept")
	require.NoError(t, l.Close())

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
	assert.Equal(t, dir, filepath.Dir(l.FilePath()))
}
