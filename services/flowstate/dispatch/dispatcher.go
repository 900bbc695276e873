// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch runs the tick loop that turns queued actions into store
// snapshots, change notifications and history records.
//
// # Description
//
// Any goroutine may Enqueue. One goroutine, the consumer, calls Tick (or
// Run, which calls Tick from a ticker). Each tick:
//
//  1. Drains the actions enqueued before it started.
//  2. Checks each action with CanApply and applies the admissible ones to a
//     Transient through the sub-dispatcher for the action's domain.
//  3. Commits the Transient and diffs it against the store at the start of
//     the segment.
//  4. Marks the owning node of every touched path and its ancestors as
//     changed, refreshes them and notifies their listeners once.
//  5. Appends applied savable actions to the open gesture.
//  6. Seals the gesture into a history record when an action forced it or
//     the gesture has been idle for GestureTimeout.
//
// History and project actions split a tick into segments: the pending
// segment goes through steps 3 to 5 before they run.
//
// # Thread Safety
//
// The consumer owns the live store, History, the open gesture and node
// refreshes. Query methods (CanApply, IsChanged, LatestUpdateTime,
// Snapshot, HistoryIndex, HistoryLen, History) read a view published at the
// end of each tick and are safe from any goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/history"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
	"github.com/AleutianAI/flowstate/services/flowstate/telemetry"
)

// ErrInvariant reports an internal inconsistency: a programming error, not
// a rejected action. With Config.Debug the dispatcher panics with it.
var ErrInvariant = errors.New("dispatcher invariant violated")

const tracerName = "flowstate.dispatch"

// Phase is the tick step the dispatcher is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDraining
	PhaseApplying
	PhaseDiffing
	PhaseNotifying
	PhaseGestureUpdate
	PhaseCommitting
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDraining:
		return "draining"
	case PhaseApplying:
		return "applying"
	case PhaseDiffing:
		return "diffing"
	case PhaseNotifying:
		return "notifying"
	case PhaseGestureUpdate:
		return "gesture_update"
	case PhaseCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// Journal receives every history change so it can be rebuilt after a
// crash. Errors are logged and never stop the dispatcher.
type Journal interface {
	Append(ctx context.Context, index int, g action.Gesture) error
	SetCursor(ctx context.Context, index int) error
	Reset(ctx context.Context, base *store.Store, gestures []action.Gesture, index int) error
}

// Config configures a Dispatcher.
type Config struct {
	// TickInterval is the Run ticker period.
	TickInterval time.Duration

	// GestureTimeout is the idle time after which an open gesture is
	// sealed.
	GestureTimeout time.Duration

	// QueueCapacity bounds the action queue.
	QueueCapacity int

	// Debug makes invariant violations panic instead of being logged.
	Debug bool

	// Initial is the starting store. Nil means store.Empty().
	Initial *store.Store

	// Clock stamps queued actions and drives gesture timeouts. Nil means
	// time.Now.
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Journal is optional.
	Journal Journal
}

// DefaultConfig returns a 60 Hz tick with a half-second gesture window.
func DefaultConfig() Config {
	return Config{
		TickInterval:   16 * time.Millisecond,
		GestureTimeout: 500 * time.Millisecond,
		QueueCapacity:  4096,
	}
}

// RecordSummary describes one history record.
type RecordSummary struct {
	Index      int       `json:"index"`
	CommitTime time.Time `json:"commit_time,omitempty"`
	Actions    []string  `json:"actions"`
	Paths      int       `json:"paths"`
}

// view is what query methods read. Published whole, never mutated.
type view struct {
	store       *store.Store
	index       int
	length      int
	gestureOpen bool
	direct      map[NodeID]struct{}
	changed     map[NodeID]struct{}
	metrics     history.Metrics
	pending     map[store.Path]time.Time
	records     []RecordSummary
}

// segment is the run of store actions between two control actions.
type segment struct {
	start   *store.Store
	t       *store.Transient
	applied []Queued
}

// Dispatcher owns the live store and applies queued actions to it.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	journal Journal
	clock   func() time.Time

	queue     *Queue
	tree      *Tree
	listeners *listenerIndex
	domains   map[action.Domain]domainHandler
	subs      *xsync.MapOf[string, *updateSub]

	// Consumer state.
	live       *store.Store
	hist       *history.History
	gesture    action.Gesture
	lastQueued time.Time
	pending    map[store.Path]time.Time
	direct     map[NodeID]struct{}
	changed    map[NodeID]struct{}
	histDirty  bool

	interacting atomic.Bool
	phase       atomic.Int32
	view        atomic.Pointer[view]
}

// New creates a dispatcher positioned on cfg.Initial with a one-record
// history.
func New(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	if cfg.Initial == nil {
		cfg.Initial = store.Empty()
	}

	tree := NewTree()
	logger := cfg.Logger.With(slog.String("component", "dispatcher"))
	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger,
		metrics:   cfg.Metrics,
		journal:   cfg.Journal,
		clock:     cfg.Clock,
		queue:     NewQueue(cfg.QueueCapacity, cfg.Clock),
		tree:      tree,
		listeners: newListenerIndex(),
		domains:   handlers(tree, logger),
		subs:      xsync.NewMapOf[string, *updateSub](),
		live:      cfg.Initial,
		hist:      history.New(cfg.Initial),
		pending:   make(map[store.Path]time.Time),
		direct:    make(map[NodeID]struct{}),
		changed:   make(map[NodeID]struct{}),
		histDirty: true,
	}
	d.publish()
	return d
}

// handlers builds the sub-dispatchers. A nil tree makes EraseNode erase by
// prefix, which is how replayed history treats it.
func handlers(tree *Tree, logger *slog.Logger) map[action.Domain]domainHandler {
	return map[action.Domain]domainHandler{
		action.DomainPrimitive: primitiveDomain{},
		action.DomainVector:    vectorDomain{},
		action.DomainSet:       setDomain{},
		action.DomainPatch:     patchDomain{},
		action.DomainNode:      nodeDomain{tree: tree, logger: logger},
	}
}

// -----------------------------------------------------------------------------
// Producers and collaborators (any goroutine)
// -----------------------------------------------------------------------------

// Enqueue queues a for the next tick. It is the only way to mutate state
// from outside the consumer goroutine.
//
// Outputs:
//   - bool: False when the queue is full or closed.
func (d *Dispatcher) Enqueue(a action.Action) bool {
	ok := d.queue.Enqueue(a)
	result := "ok"
	switch {
	case ok:
	case d.queue.Closed():
		result = "closed"
	default:
		result = "full"
	}
	kind := "nil"
	if a != nil {
		kind = a.Kind()
	}
	d.metrics.ActionsEnqueuedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
	return ok
}

// Register adds a state node. Nodes should load their initial cache from
// Snapshot themselves.
func (d *Dispatcher) Register(n Node) error {
	return d.tree.Register(n)
}

// Unregister removes a state node without touching the store.
func (d *Dispatcher) Unregister(id NodeID) error {
	return d.tree.Unregister(id)
}

// Subscribe registers l for changes to any of nodes.
func (d *Dispatcher) Subscribe(l Listener, nodes ...NodeID) ListenerID {
	return d.listeners.add(l, nodes)
}

// Unsubscribe removes a listener registration.
func (d *Dispatcher) Unsubscribe(id ListenerID) bool {
	return d.listeners.remove(id)
}

// SetInteracting marks a continuous interaction such as a drag. While set,
// an open gesture is never sealed by timeout.
func (d *Dispatcher) SetInteracting(on bool) {
	d.interacting.Store(on)
}

// Interacting reports the flag set by SetInteracting.
func (d *Dispatcher) Interacting() bool {
	return d.interacting.Load()
}

// QueueDepth returns the number of actions waiting for a tick.
func (d *Dispatcher) QueueDepth() int64 {
	return d.queue.Depth()
}

// -----------------------------------------------------------------------------
// Queries (any goroutine)
// -----------------------------------------------------------------------------

// CanApply reports whether a would be applied against the current state.
// It drives UI enablement and is evaluated against the last published
// snapshot.
func (d *Dispatcher) CanApply(a action.Action) bool {
	if a == nil {
		return false
	}
	v := d.view.Load()
	if a.Domain().MutatesStore() {
		h, ok := d.domains[a.Domain()]
		return ok && h.CanApply(v.store, a)
	}
	return canControl(a, v.index, v.length, v.gestureOpen)
}

// IsChanged reports whether node changed in the most recent tick. With
// includeDescendants, a change below node counts too.
func (d *Dispatcher) IsChanged(id NodeID, includeDescendants bool) bool {
	v := d.view.Load()
	set := v.direct
	if includeDescendants {
		set = v.changed
	}
	_, ok := set[id]
	return ok
}

// LatestUpdateTime returns when path last changed: in the open gesture if
// it did, otherwise in the history up to the cursor.
func (d *Dispatcher) LatestUpdateTime(path store.Path) (time.Time, bool) {
	v := d.view.Load()
	if t, ok := v.pending[path]; ok {
		return t, true
	}
	return v.metrics.Latest(path)
}

// Snapshot returns the store as of the last tick.
func (d *Dispatcher) Snapshot() *store.Store {
	return d.view.Load().store
}

// HistoryIndex returns the history cursor as of the last tick.
func (d *Dispatcher) HistoryIndex() int {
	return d.view.Load().index
}

// HistoryLen returns the number of history records as of the last tick.
func (d *Dispatcher) HistoryLen() int {
	return d.view.Load().length
}

// History returns the cursor and a summary of every record.
func (d *Dispatcher) History() (int, []RecordSummary) {
	v := d.view.Load()
	return v.index, v.records
}

// Phase returns the tick step currently running.
func (d *Dispatcher) Phase() Phase {
	return Phase(d.phase.Load())
}

func (d *Dispatcher) setPhase(p Phase) {
	d.phase.Store(int32(p))
}

// -----------------------------------------------------------------------------
// Tick loop (consumer goroutine)
// -----------------------------------------------------------------------------

// Run calls Tick every TickInterval until ctx is done.
//
// Description:
//
//	A panic inside a tick is recovered and logged so one bad action cannot
//	stop the loop. With Config.Debug panics propagate.
//
// Outputs:
//   - error: ctx.Err() once ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.cfg.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", d.cfg.TickInterval)
	}
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		slog.Duration("tick_interval", d.cfg.TickInterval),
		slog.Duration("gesture_timeout", d.cfg.GestureTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", slog.Int("history_len", d.hist.Len()))
			return ctx.Err()
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context) {
	if !d.cfg.Debug {
		defer func() {
			if r := recover(); r != nil {
				d.setPhase(PhaseIdle)
				d.logger.Error("tick panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
	}
	if err := d.Tick(ctx); err != nil {
		d.logger.Warn("tick finished with errors", slog.String("error", err.Error()))
	}
}

// Tick runs one drain, apply, diff, notify and gesture cycle.
//
// Outputs:
//   - error: Failures of project actions in this tick (load or save).
//     Rejected actions are not errors.
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "dispatch.Dispatcher.Tick")
	defer span.End()

	d.direct = make(map[NodeID]struct{})
	d.changed = make(map[NodeID]struct{})

	d.setPhase(PhaseDraining)
	batch := d.queue.Drain()
	span.SetAttributes(attribute.Int("batch_size", len(batch)))

	var errs []error
	forced := false
	seg := d.openSegment()
	for _, q := range batch {
		a := q.Action
		kind := metric.WithAttributes(attribute.String("kind", a.Kind()))

		if a.Domain().MutatesStore() {
			d.setPhase(PhaseApplying)
			h, ok := d.domains[a.Domain()]
			if !ok || !h.CanApply(seg.t, a) {
				d.reject(ctx, q)
				continue
			}
			h.Apply(seg.t, a)
			seg.applied = append(seg.applied, q)
		} else {
			d.closeSegment(ctx, seg)
			admissible := canControl(a, d.hist.Index(), d.hist.Len(), !d.gesture.IsEmpty())
			if admissible {
				if err := d.control(ctx, a); err != nil {
					errs = append(errs, err)
					telemetry.RecordError(span, err, attribute.String("kind", a.Kind()))
				}
			}
			seg = d.openSegment()
			if !admissible {
				d.reject(ctx, q)
				continue
			}
		}
		d.metrics.ActionsAppliedTotal.Add(ctx, 1, kind)
		if action.ForcesCommit(a) {
			forced = true
		}
	}
	d.closeSegment(ctx, seg)

	d.setPhase(PhaseGestureUpdate)
	if now := d.clock(); forced || d.idleExpired(now) {
		d.seal(ctx, now)
	}

	d.publish()
	d.setPhase(PhaseIdle)

	if len(batch) > 0 {
		d.metrics.TicksTotal.Add(ctx, 1)
	}
	d.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
	return errors.Join(errs...)
}

// Close stops accepting actions, runs a final tick, seals the open gesture
// and closes update subscriptions. Call it on the consumer goroutine after
// Run returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.queue.Close()
	err := d.Tick(ctx)
	d.seal(ctx, d.clock())
	d.publish()
	d.closeSubscribers()
	return err
}

func (d *Dispatcher) reject(ctx context.Context, q Queued) {
	d.metrics.ActionsRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", q.Action.Kind())))
	d.logger.Debug("action rejected",
		slog.String("kind", q.Action.Kind()),
		slog.Uint64("seq", q.Seq),
	)
}

func (d *Dispatcher) openSegment() *segment {
	return &segment{start: d.live, t: d.live.Transient()}
}

// closeSegment commits seg, runs change effects and records its savable
// actions in the open gesture.
func (d *Dispatcher) closeSegment(ctx context.Context, seg *segment) {
	if len(seg.applied) == 0 {
		return
	}
	d.setPhase(PhaseDiffing)
	next := seg.t.Persistent()
	p := patch.Diff(seg.start, next, store.Root)
	d.live = next
	d.effects(ctx, p)

	d.setPhase(PhaseGestureUpdate)
	for _, q := range seg.applied {
		if !q.Action.Savable() {
			continue
		}
		d.gesture.Entries = append(d.gesture.Entries, action.Entry{Action: q.Action, QueueTime: q.QueueTime})
		if q.QueueTime.After(d.lastQueued) {
			d.lastQueued = q.QueueTime
		}
	}
	now := d.clock()
	for path := range p.Ops {
		d.pending[path] = now
	}
}

// effects propagates a non-empty patch: marks owners and ancestors,
// refreshes them, notifies listeners and streams the patch.
func (d *Dispatcher) effects(ctx context.Context, p patch.Patch) {
	if p.IsEmpty() {
		return
	}
	d.setPhase(PhaseNotifying)
	d.metrics.PatchOpsTotal.Add(ctx, int64(p.Len()))

	marks := d.tree.Mark(p.Paths())
	stale := make(map[NodeID]struct{}, len(marks.Stale))
	for _, id := range marks.Stale {
		stale[id] = struct{}{}
		d.violation(ctx, fmt.Errorf("%w: node %q no longer at its registered path", ErrInvariant, id))
	}
	for _, n := range marks.Nodes {
		if _, skip := stale[n.ID()]; skip {
			continue
		}
		n.Refresh(d.live)
	}
	maps.Copy(d.direct, marks.Direct)
	maps.Copy(d.changed, marks.Changed)

	notified := d.listeners.notify(marks.Changed)
	d.metrics.NotificationsTotal.Add(ctx, int64(notified))

	d.broadcast(Update{Patch: p, HistoryIndex: d.hist.Index(), Time: d.clock()})
}

// violation handles an ErrInvariant: panic in debug builds, otherwise log
// and let the caller skip the offending entry.
func (d *Dispatcher) violation(ctx context.Context, err error) {
	d.metrics.InvariantViolationsTotal.Add(ctx, 1)
	if d.cfg.Debug {
		panic(err)
	}
	telemetry.LoggerWithTrace(ctx, d.logger).Error("invariant violation", slog.String("error", err.Error()))
}

// -----------------------------------------------------------------------------
// Gestures
// -----------------------------------------------------------------------------

func (d *Dispatcher) idleExpired(now time.Time) bool {
	return !d.gesture.IsEmpty() &&
		!d.interacting.Load() &&
		now.Sub(d.lastQueued) >= d.cfg.GestureTimeout
}

// discard drops the open gesture without recording it.
func (d *Dispatcher) discard() {
	d.gesture = action.Gesture{}
	d.lastQueued = time.Time{}
	if len(d.pending) > 0 {
		d.pending = make(map[store.Path]time.Time)
	}
}

// seal merges the open gesture and appends a history record when the live
// store differs from the record at the cursor. A gesture that merges to
// nothing records nothing: whatever else changed the store, such as an
// external patch, is folded into the record at the cursor. A fresh gesture
// is opened in every case.
func (d *Dispatcher) seal(ctx context.Context, now time.Time) {
	if d.gesture.IsEmpty() {
		d.discard()
		return
	}
	d.setPhase(PhaseCommitting)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "dispatch.Dispatcher.seal",
		trace.WithAttributes(attribute.Int("entries", d.gesture.Len())),
	)
	defer span.End()

	g := d.gesture
	g.CommitTime = now
	merged := action.Merge(g)
	d.discard()

	p := patch.Diff(d.hist.Current().Store, d.live, store.Root)
	if p.IsEmpty() || merged.IsEmpty() {
		if !p.IsEmpty() {
			d.hist.Rebase(d.live)
			d.histDirty = true
		}
		d.metrics.GesturesSealedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "empty")))
		return
	}

	dropped := d.hist.Append(d.live, merged, p)
	d.histDirty = true
	d.metrics.GesturesSealedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "recorded")))
	d.metrics.HistoryRecordsTotal.Add(ctx, 1)
	if dropped > 0 {
		d.metrics.HistoryTruncatedTotal.Add(ctx, int64(dropped))
	}
	span.SetAttributes(
		attribute.Int("index", d.hist.Index()),
		attribute.Int("merged_entries", merged.Len()),
		attribute.Int("dropped", dropped),
	)
	d.logger.Debug("gesture sealed",
		slog.Int("index", d.hist.Index()),
		slog.Int("entries", g.Len()),
		slog.Int("merged_entries", merged.Len()),
		slog.Int("dropped_redo", dropped),
	)

	if d.journal != nil {
		if err := d.journal.Append(ctx, d.hist.Index(), merged); err != nil {
			telemetry.RecordError(span, err)
			d.logger.Warn("journal append failed", slog.Int("index", d.hist.Index()), slog.String("error", err.Error()))
		}
	}
}

// -----------------------------------------------------------------------------
// Publication
// -----------------------------------------------------------------------------

func (d *Dispatcher) publish() {
	v := &view{
		store:       d.live,
		index:       d.hist.Index(),
		length:      d.hist.Len(),
		gestureOpen: !d.gesture.IsEmpty(),
		direct:      maps.Clone(d.direct),
		changed:     maps.Clone(d.changed),
		metrics:     d.hist.Current().Metrics,
		pending:     maps.Clone(d.pending),
	}
	if prev := d.view.Load(); prev != nil && !d.histDirty {
		v.records = prev.records
	} else {
		v.records = summarize(d.hist)
		d.histDirty = false
		ctx := context.Background()
		d.metrics.HistorySize.Record(ctx, int64(v.length))
		d.metrics.HistoryIndex.Record(ctx, int64(v.index))
	}
	d.view.Store(v)
}

func summarize(h *history.History) []RecordSummary {
	records := h.Records()
	out := make([]RecordSummary, len(records))
	for i, r := range records {
		kinds := make([]string, len(r.Gesture.Entries))
		for j, e := range r.Gesture.Entries {
			kinds[j] = e.Action.Kind()
		}
		out[i] = RecordSummary{
			Index:      i,
			CommitTime: r.Gesture.CommitTime,
			Actions:    kinds,
			Paths:      len(r.Patch.Ops),
		}
	}
	return out
}
