// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads flowstate configuration.
//
// Priority is environment > file > defaults. Files are YAML, with JSON
// accepted as a fallback. Every FLOWSTATE_* variable is listed in applyEnv.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/flowstate/pkg/logging"
	"github.com/AleutianAI/flowstate/services/flowstate/journal"
)

var validate = validator.New()

// Config is the top-level flowstate configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Journal    JournalConfig    `json:"journal" yaml:"journal"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// DispatcherConfig controls the tick loop and gesture windowing.
type DispatcherConfig struct {
	// TickInterval is the period of Run's ticker.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval" validate:"gt=0"`

	// GestureTimeout seals an open gesture once no action has been
	// enqueued for this long and the user is not interacting.
	GestureTimeout time.Duration `json:"gesture_timeout" yaml:"gesture_timeout" validate:"gte=0"`

	// QueueCapacity bounds the action queue. Enqueue fails when full.
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity" validate:"gte=1,lte=1048576"`

	// Debug turns internal invariant violations into panics.
	Debug bool `json:"debug" yaml:"debug"`
}

// JournalConfig controls the crash-recovery journal.
type JournalConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Path          string        `json:"path" yaml:"path"`
	InMemory      bool          `json:"in_memory" yaml:"in_memory"`
	SyncWrites    bool          `json:"sync_writes" yaml:"sync_writes"`
	SessionID     string        `json:"session_id" yaml:"session_id"`
	AllowDegraded bool          `json:"allow_degraded" yaml:"allow_degraded"`
	GCInterval    time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
}

// ServerConfig controls the HTTP and WebSocket surface.
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" validate:"omitempty,hostname_port"`

	// ActionsPerSecond limits POST /v1/actions across all clients. Zero
	// disables the limit.
	ActionsPerSecond float64 `json:"actions_per_second" yaml:"actions_per_second" validate:"gte=0"`
	Burst            int     `json:"burst" yaml:"burst" validate:"gte=0"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`

	// ProjectDir confines project paths posted over HTTP. Empty disables
	// OpenProject and SaveProject there.
	ProjectDir string `json:"project_dir" yaml:"project_dir"`

	// AllowedOrigins may open the patch stream besides the server's host.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" validate:"dive,url"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string  `json:"service_name" yaml:"service_name" validate:"required"`
	TraceExporter  string  `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=text json"`

	// Dir, when set, also writes JSON records to a daily file there.
	Dir string `json:"dir" yaml:"dir"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Dispatcher: DispatcherConfig{
			TickInterval:   16 * time.Millisecond,
			GestureTimeout: 500 * time.Millisecond,
			QueueCapacity:  4096,
		},
		Journal: JournalConfig{
			Path:       "flowstate-journal",
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Server: ServerConfig{
			Addr:             "127.0.0.1:7420",
			ActionsPerSecond: 500,
			Burst:            100,
			ShutdownTimeout:  5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "flowstate",
			TraceExporter:  "none",
			MetricsEnabled: true,
			SampleRate:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Optional; a missing file means defaults.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file exists but does not parse, or the result
//     fails Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv overrides cfg from FLOWSTATE_* variables. A variable that is
// set but does not parse is an error rather than silently ignored.
func applyEnv(cfg *Config) error {
	var errs []error
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = i
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	// Dispatcher
	duration("FLOWSTATE_TICK_INTERVAL", &cfg.Dispatcher.TickInterval)
	duration("FLOWSTATE_GESTURE_TIMEOUT", &cfg.Dispatcher.GestureTimeout)
	integer("FLOWSTATE_QUEUE_CAPACITY", &cfg.Dispatcher.QueueCapacity)
	boolean("FLOWSTATE_DEBUG", &cfg.Dispatcher.Debug)

	// Journal
	boolean("FLOWSTATE_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("FLOWSTATE_JOURNAL_PATH", &cfg.Journal.Path)
	boolean("FLOWSTATE_JOURNAL_IN_MEMORY", &cfg.Journal.InMemory)
	boolean("FLOWSTATE_JOURNAL_SYNC_WRITES", &cfg.Journal.SyncWrites)
	str("FLOWSTATE_JOURNAL_SESSION_ID", &cfg.Journal.SessionID)

	// Server
	boolean("FLOWSTATE_SERVER_ENABLED", &cfg.Server.Enabled)
	str("FLOWSTATE_SERVER_ADDR", &cfg.Server.Addr)
	float("FLOWSTATE_ACTIONS_PER_SECOND", &cfg.Server.ActionsPerSecond)
	integer("FLOWSTATE_SERVER_BURST", &cfg.Server.Burst)
	str("FLOWSTATE_PROJECT_DIR", &cfg.Server.ProjectDir)

	// Telemetry
	str("FLOWSTATE_SERVICE_NAME", &cfg.Telemetry.ServiceName)
	str("FLOWSTATE_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("FLOWSTATE_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	boolean("FLOWSTATE_METRICS_ENABLED", &cfg.Telemetry.MetricsEnabled)
	float("FLOWSTATE_TRACE_SAMPLE_RATE", &cfg.Telemetry.SampleRate)

	// Logging
	str("FLOWSTATE_LOG_LEVEL", &cfg.Logging.Level)
	str("FLOWSTATE_LOG_FORMAT", &cfg.Logging.Format)
	str("FLOWSTATE_LOG_DIR", &cfg.Logging.Dir)

	return errors.Join(errs...)
}

// Validate checks field constraints and the rules that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Journal.Enabled && !c.Journal.InMemory && c.Journal.Path == "" {
		return errors.New("journal.path is required when the journal is enabled")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr is required when the server is enabled")
	}
	if c.Server.ActionsPerSecond > 0 && c.Server.Burst < 1 {
		return errors.New("server.burst must be >= 1 when actions_per_second is set")
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required for the otlp exporter")
	}
	return nil
}

// SlogLevel maps Level to a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from c, writing console output to
// w. The caller closes it to release the log file.
func (c LoggingConfig) NewLogger(w io.Writer, service string) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:   c.SlogLevel(),
		JSON:    c.Format == "json",
		LogDir:  c.Dir,
		Service: service,
		Console: w,
	})
}

// ToJournalConfig converts the journal section for journal.Open.
func (c JournalConfig) ToJournalConfig(logger *slog.Logger) journal.Config {
	cfg := journal.DefaultConfig()
	cfg.Path = c.Path
	cfg.InMemory = c.InMemory
	cfg.SyncWrites = c.SyncWrites
	cfg.SessionID = c.SessionID
	cfg.AllowDegraded = c.AllowDegraded
	cfg.GCInterval = c.GCInterval
	cfg.Logger = logger
	return cfg
}
