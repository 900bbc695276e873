// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the dispatcher and server instruments.
//
// All names carry the "flowstate_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Dispatcher ---

	// TicksTotal counts ticks that drained at least one action.
	TicksTotal metric.Int64Counter

	// TickDuration records tick duration in seconds.
	TickDuration metric.Float64Histogram

	// ActionsEnqueuedTotal counts enqueue attempts by action kind and
	// result ("ok", "full", "closed").
	ActionsEnqueuedTotal metric.Int64Counter

	// ActionsAppliedTotal counts applied actions by kind.
	ActionsAppliedTotal metric.Int64Counter

	// ActionsRejectedTotal counts actions whose CanApply was false, by kind.
	ActionsRejectedTotal metric.Int64Counter

	// GesturesSealedTotal counts sealed gestures by outcome
	// ("recorded", "empty").
	GesturesSealedTotal metric.Int64Counter

	// PatchOpsTotal counts ops in per-tick patches.
	PatchOpsTotal metric.Int64Counter

	// NotificationsTotal counts listener notifications.
	NotificationsTotal metric.Int64Counter

	// InvariantViolationsTotal counts internal invariant violations.
	InvariantViolationsTotal metric.Int64Counter

	// HistoryRecordsTotal counts history records appended by sealed
	// gestures.
	HistoryRecordsTotal metric.Int64Counter

	// HistoryTruncatedTotal counts redo records dropped by a new record.
	HistoryTruncatedTotal metric.Int64Counter

	// HistorySize and HistoryIndex report the live history.
	HistorySize  metric.Int64Gauge
	HistoryIndex metric.Int64Gauge

	// QueueDepth reports queued actions at scrape time.
	QueueDepth metric.Int64ObservableGauge

	// --- Server ---

	// PatchSubscribers tracks connected WebSocket clients.
	PatchSubscribers metric.Int64UpDownCounter

	// ActionsThrottledTotal counts POSTs refused by the rate limiter.
	ActionsThrottledTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("flowstate"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.TicksTotal, "flowstate_dispatcher_ticks_total", "Ticks that processed at least one action", "{tick}"},
		{&m.ActionsEnqueuedTotal, "flowstate_actions_enqueued_total", "Enqueue attempts by result", "{action}"},
		{&m.ActionsAppliedTotal, "flowstate_actions_applied_total", "Applied actions", "{action}"},
		{&m.ActionsRejectedTotal, "flowstate_actions_rejected_total", "Actions discarded because CanApply was false", "{action}"},
		{&m.GesturesSealedTotal, "flowstate_gestures_sealed_total", "Sealed gestures by outcome", "{gesture}"},
		{&m.PatchOpsTotal, "flowstate_patch_ops_total", "Ops in per-tick patches", "{op}"},
		{&m.NotificationsTotal, "flowstate_listener_notifications_total", "Listener notifications", "{notification}"},
		{&m.InvariantViolationsTotal, "flowstate_invariant_violations_total", "Internal invariant violations", "{violation}"},
		{&m.HistoryRecordsTotal, "flowstate_history_records_total", "History records appended", "{record}"},
		{&m.HistoryTruncatedTotal, "flowstate_history_truncated_total", "Redo records dropped by a new record", "{record}"},
		{&m.ActionsThrottledTotal, "flowstate_actions_throttled_total", "Action posts refused by the rate limiter", "{request}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	m.TickDuration, err = meter.Float64Histogram(
		"flowstate_dispatcher_tick_duration_seconds",
		metric.WithDescription("Tick duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1),
	)
	if err != nil {
		return nil, fmt.Errorf("create tick_duration: %w", err)
	}

	m.HistorySize, err = meter.Int64Gauge(
		"flowstate_history_size",
		metric.WithDescription("Records in the live history"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create history_size: %w", err)
	}
	m.HistoryIndex, err = meter.Int64Gauge(
		"flowstate_history_index",
		metric.WithDescription("Cursor of the live history"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create history_index: %w", err)
	}

	m.PatchSubscribers, err = meter.Int64UpDownCounter(
		"flowstate_patch_subscribers",
		metric.WithDescription("Connected patch stream clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create patch_subscribers: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. For tests and for
// dispatchers built without a meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

// RegisterQueueDepth registers the queue depth gauge with a callback that
// reads depth at scrape time.
func (m *Metrics) RegisterQueueDepth(meter metric.Meter, depth func() int64) (metric.Registration, error) {
	var err error
	m.QueueDepth, err = meter.Int64ObservableGauge(
		"flowstate_queue_depth",
		metric.WithDescription("Actions waiting in the dispatcher queue"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth: %w", err)
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.QueueDepth, depth())
		return nil
	}, m.QueueDepth)
}
