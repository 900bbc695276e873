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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/flowstate/services/flowstate/config"
	"github.com/AleutianAI/flowstate/services/flowstate/dispatch"
	"github.com/AleutianAI/flowstate/services/flowstate/journal"
	"github.com/AleutianAI/flowstate/services/flowstate/server"
	"github.com/AleutianAI/flowstate/services/flowstate/telemetry"
)

type serveOptions struct {
	configPath string
	open       string
	watch      bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a dispatcher with the HTTP API and crash journal",
		Long: `Runs the tick loop until interrupted. With --open the project file is
loaded first; with --watch it is reloaded whenever another program
changes it. A journal left by a crashed run with the same session id
takes precedence over --open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "flowstate.yaml", "YAML or JSON config file")
	cmd.Flags().StringVar(&opts.open, "open", "", "project file (.fls or .fla) to load at start")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "reload the --open file when it changes on disk")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	if opts.watch && opts.open == "" {
		return errors.New("--watch requires --open")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logs, err := cfg.Logging.NewLogger(os.Stderr, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	tcfg.MetricsEnabled = cfg.Telemetry.MetricsEnabled
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	meter := otel.Meter("flowstate")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	dcfg := dispatch.Config{
		TickInterval:   cfg.Dispatcher.TickInterval,
		GestureTimeout: cfg.Dispatcher.GestureTimeout,
		QueueCapacity:  cfg.Dispatcher.QueueCapacity,
		Debug:          cfg.Dispatcher.Debug,
		Logger:         logger,
		Metrics:        metrics,
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr, err = journal.Open(cfg.Journal.ToJournalConfig(logger))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := jr.Close(); err != nil {
				logger.Warn("journal close failed", slog.String("error", err.Error()))
			}
		}()
		dcfg.Journal = jr
	}

	d := dispatch.New(dcfg)
	reg, err := metrics.RegisterQueueDepth(meter, d.QueueDepth)
	if err != nil {
		return fmt.Errorf("register queue depth: %w", err)
	}
	defer func() { _ = reg.Unregister() }()

	recovered, err := restoreJournal(ctx, d, jr)
	if err != nil {
		return err
	}
	if opts.open != "" && !recovered {
		if err := d.Load(ctx, opts.open); err != nil {
			return err
		}
	}

	var w *projectWatcher
	if opts.watch {
		w, err = newProjectWatcher(opts.open, d, logger)
		if err != nil {
			return fmt.Errorf("watch %s: %w", opts.open, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.Server.Enabled {
		scfg := server.Config{
			Addr:             cfg.Server.Addr,
			ActionsPerSecond: cfg.Server.ActionsPerSecond,
			Burst:            cfg.Server.Burst,
			ShutdownTimeout:  cfg.Server.ShutdownTimeout,
			ProjectDir:       cfg.Server.ProjectDir,
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			ServiceName:      cfg.Telemetry.ServiceName,
			Logger:           logger,
			Metrics:          metrics,
		}
		if cfg.Telemetry.MetricsEnabled {
			scfg.MetricsHandler = telemetry.MetricsHandler()
		}
		srv := server.New(d, scfg)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("flowstate serving",
		slog.String("version", version),
		slog.Bool("server", cfg.Server.Enabled),
		slog.Bool("journal", jr != nil),
	)
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		logger.Warn("final tick finished with errors", slog.String("error", err.Error()))
	}
	logger.Info("flowstate stopped", slog.Int("history_len", d.HistoryLen()))
	return runErr
}

// restoreJournal rebuilds history from a previous run of the same session.
// It reports whether anything was restored.
func restoreJournal(ctx context.Context, d *dispatch.Dispatcher, jr *journal.Journal) (bool, error) {
	if jr == nil {
		return false, nil
	}
	rec, err := jr.Recover(ctx)
	if err != nil {
		return false, fmt.Errorf("recover journal: %w", err)
	}
	if len(rec.Gestures) == 0 && rec.Base.Len() == 0 {
		return false, nil
	}
	if err := d.Restore(ctx, rec.Base, rec.Gestures, rec.Index); err != nil {
		return false, err
	}
	return true, nil
}
