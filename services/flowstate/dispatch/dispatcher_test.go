// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/journal"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
	"github.com/AleutianAI/flowstate/services/flowstate/telemetry"
)

const testTimeout = 500 * time.Millisecond

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeJournal struct {
	appends []int
	cursors []int
	resets  []int
}

func (j *fakeJournal) Append(_ context.Context, index int, _ action.Gesture) error {
	j.appends = append(j.appends, index)
	return nil
}

func (j *fakeJournal) SetCursor(_ context.Context, index int) error {
	j.cursors = append(j.cursors, index)
	return nil
}

func (j *fakeJournal) Reset(_ context.Context, _ *store.Store, gestures []action.Gesture, index int) error {
	j.resets = append(j.resets, index)
	return nil
}

type harness struct {
	t     *testing.T
	d     *Dispatcher
	clock *fakeClock
	ctx   context.Context
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.GestureTimeout = testTimeout
	cfg.Clock = clock.Now
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, m := range mutate {
		m(&cfg)
	}
	return &harness{t: t, d: New(cfg), clock: clock, ctx: context.Background()}
}

func withInitial(fn func(*store.Transient)) func(*Config) {
	return func(c *Config) { c.Initial = store.Empty().Edit(fn) }
}

// do enqueues actions and runs one tick without moving the clock.
func (h *harness) do(actions ...action.Action) {
	h.t.Helper()
	for _, a := range actions {
		require.True(h.t, h.d.Enqueue(a))
	}
	require.NoError(h.t, h.d.Tick(h.ctx))
}

// settle lets the gesture time out and seals it.
func (h *harness) settle() {
	h.t.Helper()
	h.clock.Advance(testTimeout + 100*time.Millisecond)
	require.NoError(h.t, h.d.Tick(h.ctx))
}

// commit applies actions as one sealed gesture.
func (h *harness) commit(actions ...action.Action) {
	h.t.Helper()
	h.do(actions...)
	h.settle()
}

func (h *harness) record(i int) (patch.Patch, action.Gesture) {
	h.t.Helper()
	r, err := h.d.hist.At(i)
	require.NoError(h.t, err)
	return r.Patch, r.Gesture
}

var (
	volume = store.MustPath("/volume")
	muted  = store.MustPath("/muted")
	seq    = store.MustPath("/seq")
	xPath  = store.MustPath("/x")
)

// -----------------------------------------------------------------------------
// Scenarios
// -----------------------------------------------------------------------------

func TestScenario_SliderDragIsOneRecord(t *testing.T) {
	h := newHarness(t, withInitial(func(tr *store.Transient) {
		tr.SetValue(volume, store.Float(0.25))
	}))

	h.do(action.SetValue{Path: volume, Value: store.Float(0.5)})
	h.clock.Advance(100 * time.Millisecond)
	h.do(action.SetValue{Path: volume, Value: store.Float(0.7)})
	assert.Equal(t, 1, h.d.HistoryLen(), "gesture still open")
	h.settle()

	require.Equal(t, 2, h.d.HistoryLen())
	assert.Equal(t, 1, h.d.HistoryIndex())

	p, g := h.record(1)
	assert.Equal(t, map[store.Path][]patch.Op{
		volume: {patch.Replace(store.Float(0.7), store.Float(0.25))},
	}, p.Ops)
	require.Equal(t, 1, g.Len(), "merged to the last write")
	assert.Equal(t, action.SetValue{Path: volume, Value: store.Float(0.7)}, g.Entries[0].Action)
	assert.True(t, g.Sealed())
}

func TestScenario_DoubleToggleRecordsNothing(t *testing.T) {
	h := newHarness(t, withInitial(func(tr *store.Transient) {
		tr.SetValue(muted, store.Bool(false))
	}))

	h.do(action.ToggleBool{Path: muted}, action.ToggleBool{Path: muted})

	assert.Equal(t, 1, h.d.HistoryLen())
	v, err := h.d.Snapshot().Get(muted)
	require.NoError(t, err)
	assert.Equal(t, store.Bool(false), v)
	assert.False(t, h.d.CanApply(action.Undo{}), "gesture was sealed, nothing to undo")
}

func TestScenario_SpacedAppendsAreSeparateRecords(t *testing.T) {
	h := newHarness(t)
	for i := range 5 {
		h.commit(action.AppendValue{Path: seq, Value: store.Int(int64(i))})
	}

	require.Equal(t, 6, h.d.HistoryLen())
	for i := range 5 {
		p, _ := h.record(i + 1)
		assert.Equal(t, map[store.Path][]patch.Op{
			seq: {patch.Append(i, store.Int(int64(i)))},
		}, p.Ops, "record %d", i+1)
	}
}

func TestScenario_UndoRedoRestoresStore(t *testing.T) {
	h := newHarness(t)
	for i := range 3 {
		h.commit(setInt("/x", int64(i+1)))
	}
	require.Equal(t, 3, h.d.HistoryIndex())
	before := h.d.Snapshot()

	h.do(action.Undo{})
	assert.Equal(t, 2, h.d.HistoryIndex())
	v, _ := h.d.Snapshot().Lookup(xPath)
	assert.Equal(t, store.Int(2), v)

	h.do(action.Redo{})
	assert.Equal(t, 3, h.d.HistoryIndex())
	assert.True(t, store.Equal(before, h.d.Snapshot()))
	assert.Equal(t, 4, h.d.HistoryLen())
}

func TestScenario_SetIndexDiscardsOpenGesture(t *testing.T) {
	h := newHarness(t)
	for i := range 5 {
		h.commit(setInt("/x", int64(i+1)))
	}
	require.Equal(t, 5, h.d.HistoryIndex())

	h.do(setInt("/a", 1), setInt("/b", 2))
	h.do(setInt("/c", 3))
	assert.Equal(t, 3, h.d.gesture.Len())

	h.do(action.SetHistoryIndex{Index: 0})

	assert.Equal(t, 0, h.d.HistoryIndex())
	assert.Equal(t, 6, h.d.HistoryLen(), "open gesture was not committed")
	assert.True(t, h.d.gesture.IsEmpty())
	assert.True(t, store.Equal(store.Empty(), h.d.Snapshot()))
}

// -----------------------------------------------------------------------------
// Gestures and history
// -----------------------------------------------------------------------------

func TestGestureWindow(t *testing.T) {
	t.Run("actions inside the window share a record", func(t *testing.T) {
		h := newHarness(t)
		for i := range 3 {
			h.do(setInt("/w", int64(i)))
			h.clock.Advance(testTimeout / 2)
		}
		h.settle()
		assert.Equal(t, 2, h.d.HistoryLen())
	})

	t.Run("interaction holds the gesture open", func(t *testing.T) {
		h := newHarness(t)
		h.d.SetInteracting(true)
		h.do(setInt("/w", 1))
		h.settle()
		assert.Equal(t, 1, h.d.HistoryLen())

		h.d.SetInteracting(false)
		require.NoError(t, h.d.Tick(h.ctx))
		assert.Equal(t, 2, h.d.HistoryLen())
	})

	t.Run("gesture that changes nothing is dropped", func(t *testing.T) {
		h := newHarness(t, withInitial(func(tr *store.Transient) {
			tr.SetValue(xPath, store.Int(1))
		}))
		h.commit(setInt("/x", 1))
		assert.Equal(t, 1, h.d.HistoryLen())
	})
}

func TestUndo(t *testing.T) {
	t.Run("at newest record seals the open gesture first", func(t *testing.T) {
		h := newHarness(t)
		h.commit(setInt("/x", 1))
		h.do(setInt("/x", 2))

		h.do(action.Undo{})
		assert.Equal(t, 3, h.d.HistoryLen())
		assert.Equal(t, 1, h.d.HistoryIndex())
		v, _ := h.d.Snapshot().Lookup(xPath)
		assert.Equal(t, store.Int(1), v)
	})

	t.Run("mid history discards the open gesture", func(t *testing.T) {
		h := newHarness(t)
		h.commit(setInt("/x", 1))
		h.commit(setInt("/x", 2))
		h.do(action.Undo{})
		require.Equal(t, 1, h.d.HistoryIndex())

		h.do(setInt("/y", 9))
		h.do(action.Undo{})
		assert.Equal(t, 3, h.d.HistoryLen())
		assert.Equal(t, 0, h.d.HistoryIndex())
		assert.True(t, store.Equal(store.Empty(), h.d.Snapshot()))
	})

	t.Run("at the first record is rejected", func(t *testing.T) {
		h := newHarness(t)
		assert.False(t, h.d.CanApply(action.Undo{}))
		assert.False(t, h.d.CanApply(action.Redo{}))
		h.do(action.Undo{}, action.Redo{})
		assert.Equal(t, 0, h.d.HistoryIndex())
	})

	t.Run("new edit after undo drops the redo tail", func(t *testing.T) {
		h := newHarness(t)
		h.commit(setInt("/x", 1))
		h.commit(setInt("/x", 2))
		h.do(action.Undo{})
		assert.True(t, h.d.CanApply(action.Redo{}))

		h.commit(setInt("/x", 5))
		assert.Equal(t, 3, h.d.HistoryLen())
		assert.Equal(t, 2, h.d.HistoryIndex())
		assert.False(t, h.d.CanApply(action.Redo{}))
	})
}

func TestSetIndex_OutOfRange(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.d.CanApply(action.SetHistoryIndex{Index: 3}))
	err := h.d.SetIndex(h.ctx, 3)
	assert.Error(t, err)
}

func TestRejectedActionsAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.do(
		action.PopValue{Path: seq},
		action.ToggleBool{Path: muted},
		action.ErasePair{Path: store.MustPath("/s"), Pair: store.MakePair(store.Int(1), store.Int(2))},
		setInt("/ok", 1),
	)
	assert.Equal(t, 1, h.d.gesture.Len(), "only the admissible action is recorded")
	assert.Equal(t, 1, h.d.Snapshot().Len())
}

func TestCategoryConflictIsRejected(t *testing.T) {
	h := newHarness(t, withInitial(func(tr *store.Transient) {
		tr.Append(seq, store.Int(1))
	}))
	assert.False(t, h.d.CanApply(action.SetValue{Path: seq, Value: store.Int(1)}))
	assert.True(t, h.d.CanApply(action.AppendValue{Path: seq, Value: store.Int(2)}))
	assert.False(t, h.d.CanApply(action.SetValueAt{Path: seq, Index: 1, Value: store.Int(2)}))
}

func TestExternalPatchNeverEntersGesture(t *testing.T) {
	h := newHarness(t)
	p := patch.New(store.Root)
	p.Ops[store.MustPath("/layout/width")] = []patch.Op{patch.Add(store.Int(800))}

	h.commit(action.ApplyExternalPatch{Patch: p})

	assert.Equal(t, 1, h.d.HistoryLen())
	v, ok := h.d.Snapshot().Lookup(store.MustPath("/layout/width"))
	require.True(t, ok)
	assert.Equal(t, store.Int(800), v)
}

func TestApplyPatchMustMatchStore(t *testing.T) {
	h := newHarness(t, withInitial(func(tr *store.Transient) {
		tr.SetValue(xPath, store.Int(1))
	}))
	good := patch.New(store.Root)
	good.Ops[xPath] = []patch.Op{patch.Replace(store.Int(2), store.Int(1))}
	stale := patch.New(store.Root)
	stale.Ops[xPath] = []patch.Op{patch.Replace(store.Int(2), store.Int(7))}

	assert.True(t, h.d.CanApply(action.ApplyPatch{Patch: good}))
	assert.False(t, h.d.CanApply(action.ApplyPatch{Patch: stale}))
	assert.False(t, h.d.CanApply(action.ApplyPatch{Patch: patch.New(store.Root)}))

	h.commit(action.ApplyPatch{Patch: good})
	assert.Equal(t, 2, h.d.HistoryLen())
}

func TestApplyPatch_MalformedOpsAreRejected(t *testing.T) {
	links := store.MustPath("/links")
	empty := store.MustPath("/empty")
	linked := store.MakePair(store.Int(1), store.Int(2))
	initial := func(tr *store.Transient) {
		tr.SetValue(xPath, store.Int(1))
		tr.Append(seq, store.Int(1), store.Int(2))
		tr.Insert(links, linked)
	}
	one := func(path store.Path, op patch.Op) patch.Patch {
		p := patch.New(store.Root)
		p.Ops[path] = []patch.Op{op}
		return p
	}

	tests := []struct {
		name string
		p    patch.Patch
	}{
		{"pop on missing sequence", one(empty, patch.Pop(-1, store.Int(1)))},
		{"pop negative index", one(seq, patch.Pop(-1, store.Int(2)))},
		{"pop past end", one(seq, patch.Pop(5, store.Int(2)))},
		{"pop not last", one(seq, patch.Pop(0, store.Int(1)))},
		{"pop wrong old", one(seq, patch.Pop(1, store.Int(9)))},
		{"append wrong index", one(seq, patch.Append(7, store.Int(3)))},
		{"append negative index", one(seq, patch.Append(-1, store.Int(3)))},
		{"set at negative index", one(seq, patch.SetAt(-1, store.Int(3), store.Int(1)))},
		{"set at past end", one(seq, patch.SetAt(2, store.Int(3), store.Int(1)))},
		{"add over existing", one(xPath, patch.Add(store.Int(2)))},
		{"remove missing", one(empty, patch.Remove(store.Int(1)))},
		{"replace wrong old", one(xPath, patch.Replace(store.Int(2), store.Int(7)))},
		{"insert present pair", one(links, patch.Insert(linked))},
		{"erase absent pair", one(links, patch.Erase(store.MakePair(store.Int(3), store.Int(4))))},
		{"root path", one(store.Root, patch.Add(store.Int(1)))},
		{"unknown op kind", one(xPath, patch.Op{Kind: patch.OpKind(99)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withInitial(initial))
			before := h.d.Snapshot()
			a := action.ApplyPatch{Patch: tt.p}

			assert.False(t, h.d.CanApply(a))
			require.NotPanics(t, func() { h.do(a) })
			assert.Same(t, before, h.d.Snapshot())
			assert.Equal(t, 1, h.d.HistoryLen())
		})
	}

	t.Run("debug tick skips them", func(t *testing.T) {
		h := newHarness(t, withInitial(initial), func(c *Config) { c.Debug = true })
		for _, tt := range tests {
			require.True(t, h.d.Enqueue(action.ApplyPatch{Patch: tt.p}))
		}
		require.True(t, h.d.Enqueue(setInt("/y", 1)))
		require.NotPanics(t, func() { require.NoError(t, h.d.Tick(h.ctx)) })
		v, ok := h.d.Snapshot().Lookup(store.MustPath("/y"))
		require.True(t, ok)
		assert.Equal(t, store.Int(1), v)
	})
}

func TestScenario_ExternalPatchWithCancellingGesture(t *testing.T) {
	layout := store.MustPath("/layout")
	j, err := journal.Open(journal.Config{
		InMemory: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer j.Close()

	h := newHarness(t, func(c *Config) { c.Journal = j })
	h.commit(action.SetValue{Path: muted, Value: store.Bool(false)})
	require.Equal(t, 2, h.d.HistoryLen())

	ext := patch.New(store.Root)
	ext.Ops[layout] = []patch.Op{patch.Add(store.Int(800))}
	h.do(
		action.ApplyExternalPatch{Patch: ext},
		action.ToggleBool{Path: muted},
		action.ToggleBool{Path: muted},
	)
	h.settle()

	assert.Equal(t, 2, h.d.HistoryLen(), "cancelled gesture adds no record")
	assert.Equal(t, 1, h.d.HistoryIndex())
	v, ok := h.d.Snapshot().Lookup(layout)
	require.True(t, ok)
	assert.Equal(t, store.Int(800), v)
	assert.True(t, store.Equal(h.d.hist.Current().Store, h.d.Snapshot()), "external change folded into the record")
	for _, g := range h.d.hist.Gestures() {
		assert.False(t, g.IsEmpty())
	}

	t.Run("replay file loads back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "song.fla")
		require.NoError(t, h.d.Save(h.ctx, path))

		other := newHarness(t)
		require.NoError(t, other.d.Load(other.ctx, path))
		assert.Equal(t, 2, other.d.HistoryLen())
		got, err := other.d.Snapshot().Get(muted)
		require.NoError(t, err)
		assert.Equal(t, store.Bool(false), got)
	})

	t.Run("journal restores", func(t *testing.T) {
		rec, err := j.Recover(h.ctx)
		require.NoError(t, err)
		require.Len(t, rec.Gestures, 1)

		other := newHarness(t)
		require.NoError(t, other.d.Restore(other.ctx, rec.Base, rec.Gestures, rec.Index))
		assert.Equal(t, 2, other.d.HistoryLen())
		assert.Equal(t, 1, other.d.HistoryIndex())
	})
}

func TestHistoryMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	h := newHarness(t, func(c *Config) { c.Metrics = m })
	// A second dispatcher on its own instruments must not touch the first.
	scratch := newHarness(t)
	scratch.commit(setInt("/x", 9))

	h.commit(setInt("/x", 1))
	h.commit(setInt("/x", 2))
	h.do(action.Undo{})
	h.commit(setInt("/x", 3))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(h.ctx, &rm))
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Gauge[int64]:
				require.Len(t, data.DataPoints, 1)
				got[md.Name] = data.DataPoints[0].Value
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					got[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), got["flowstate_history_size"])
	assert.Equal(t, int64(2), got["flowstate_history_index"])
	assert.Equal(t, int64(3), got["flowstate_history_records_total"])
	assert.Equal(t, int64(1), got["flowstate_history_truncated_total"])
}

func TestLatestUpdateTime(t *testing.T) {
	h := newHarness(t)
	_, ok := h.d.LatestUpdateTime(xPath)
	assert.False(t, ok)

	h.do(setInt("/x", 1))
	pending, ok := h.d.LatestUpdateTime(xPath)
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), pending)

	h.settle()
	committed, ok := h.d.LatestUpdateTime(xPath)
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), committed, "commit time of the sealing tick")

	h.do(action.Undo{})
	_, ok = h.d.LatestUpdateTime(xPath)
	assert.False(t, ok, "record 0 never changed /x")
}

// -----------------------------------------------------------------------------
// Nodes and listeners
// -----------------------------------------------------------------------------

func TestNodesRefreshAndNotify(t *testing.T) {
	h := newHarness(t)
	mixer := newTestNode("mixer", "/mixer")
	track := newTestNode("track", "/mixer/track")
	other := newTestNode("other", "/other")
	for _, n := range []*testNode{mixer, track, other} {
		require.NoError(t, h.d.Register(n))
	}

	var calls [][]NodeID
	h.d.Subscribe(ListenerFunc(func(ids []NodeID) { calls = append(calls, ids) }), "mixer", "track")

	h.do(
		action.SetValue{Path: store.MustPath("/mixer/track/gain"), Value: store.Float(0.5)},
		action.SetValue{Path: store.MustPath("/mixer/track/pan"), Value: store.Float(0)},
	)

	assert.Equal(t, 1, track.refreshed)
	assert.Equal(t, 1, mixer.refreshed, "ancestors refresh too")
	assert.Zero(t, other.refreshed)
	require.Len(t, calls, 1, "listener notified once")
	assert.Equal(t, []NodeID{"mixer", "track"}, calls[0])

	assert.True(t, h.d.IsChanged("track", false))
	assert.False(t, h.d.IsChanged("mixer", false))
	assert.True(t, h.d.IsChanged("mixer", true))
	assert.False(t, h.d.IsChanged("other", true))

	require.NoError(t, h.d.Tick(h.ctx))
	assert.False(t, h.d.IsChanged("track", false), "marks last one tick")
}

func TestEraseNode(t *testing.T) {
	h := newHarness(t, withInitial(func(tr *store.Transient) {
		tr.SetValue(store.MustPath("/tracks/1/gain"), store.Float(1))
		tr.SetValue(store.MustPath("/tracks/1/fx/0/mix"), store.Float(0.5))
		tr.SetValue(store.MustPath("/tracks/2/gain"), store.Float(1))
	}))
	tracks := newTestNode("tracks", "/tracks")
	track := newTestNode("track1", "/tracks/1")
	fx := newTestNode("fx", "/tracks/1/fx/0")
	for _, n := range []*testNode{tracks, track, fx} {
		require.NoError(t, h.d.Register(n))
	}

	h.do(action.EraseNode{Path: store.MustPath("/tracks/1")})

	assert.Equal(t, 1, track.erased)
	assert.Equal(t, 1, fx.erased)
	_, ok := h.d.tree.Get("track1")
	assert.False(t, ok)
	_, ok = h.d.tree.Get("fx")
	assert.False(t, ok)
	assert.Equal(t, 1, tracks.refreshed, "parent sees the removal")
	assert.Equal(t, 1, h.d.Snapshot().Len())

	t.Run("unowned prefix", func(t *testing.T) {
		h.do(action.EraseNode{Path: store.MustPath("/tracks/2")})
		assert.True(t, store.Equal(store.Empty(), h.d.Snapshot()))
		assert.False(t, h.d.CanApply(action.EraseNode{Path: store.MustPath("/tracks/2")}))
	})
}

// selfRemovingNode unregisters itself while being erased.
type selfRemovingNode struct {
	*testNode
	d *Dispatcher
}

func (n selfRemovingNode) Erase(t *store.Transient) {
	n.testNode.Erase(t)
	_ = n.d.Unregister(n.id)
}

func TestEraseNode_UnregisterFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t,
		withInitial(func(tr *store.Transient) { tr.SetValue(store.MustPath("/tracks/1/gain"), store.Float(1)) }),
		func(c *Config) { c.Logger = slog.New(slog.NewTextHandler(&logs, nil)) },
	)
	n := selfRemovingNode{testNode: newTestNode("track1", "/tracks/1"), d: h.d}
	require.NoError(t, h.d.Register(n))

	h.do(action.EraseNode{Path: store.MustPath("/tracks/1")})

	assert.Equal(t, 1, n.erased)
	assert.True(t, store.Equal(store.Empty(), h.d.Snapshot()))
	assert.Contains(t, logs.String(), "unregister erased node failed")
	assert.Contains(t, logs.String(), "node=track1")
}

func TestUpdatesStream(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.d.SubscribeUpdates(4)

	h.do(setInt("/x", 1))
	select {
	case u := <-updates:
		assert.Equal(t, []patch.Op{patch.Add(store.Int(1))}, u.Patch.Ops[xPath])
	default:
		t.Fatal("no update delivered")
	}

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

// -----------------------------------------------------------------------------
// Invariants
// -----------------------------------------------------------------------------

func TestStaleNode(t *testing.T) {
	t.Run("release skips it", func(t *testing.T) {
		h := newHarness(t)
		n := newTestNode("n", "/n")
		require.NoError(t, h.d.Register(n))
		n.path = store.MustPath("/elsewhere")

		h.do(setInt("/n/x", 1))
		assert.Zero(t, n.refreshed)
	})

	t.Run("debug panics", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Debug = true })
		n := newTestNode("n", "/n")
		require.NoError(t, h.d.Register(n))
		n.path = store.MustPath("/elsewhere")

		require.True(t, h.d.Enqueue(setInt("/n/x", 1)))
		assert.PanicsWithError(t,
			`dispatcher invariant violated: node "n" no longer at its registered path`,
			func() { _ = h.d.Tick(h.ctx) })
	})
}

// -----------------------------------------------------------------------------
// Projects and journal
// -----------------------------------------------------------------------------

func TestProjectRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "song.fls")
	replayPath := filepath.Join(dir, "song.fla")

	h := newHarness(t)
	h.commit(action.SetValue{Path: volume, Value: store.Float(0.5)})
	h.commit(action.AppendValue{Path: seq, Value: store.String("kick")})
	h.commit(action.InsertPair{Path: store.MustPath("/links"), Pair: store.MakePair(store.Int(1), store.Int(2))})
	h.do(action.Undo{})
	h.do(action.SaveProject{Path: statePath}, action.SaveProject{Path: replayPath})

	t.Run("state file", func(t *testing.T) {
		other := newHarness(t)
		h2 := other.d
		require.NoError(t, h2.Load(other.ctx, statePath))
		assert.True(t, store.Equal(h.d.Snapshot(), h2.Snapshot()))
		assert.Equal(t, 1, h2.HistoryLen())
	})

	t.Run("replay file", func(t *testing.T) {
		other := newHarness(t)
		other.do(action.OpenProject{Path: replayPath})
		assert.Equal(t, 4, other.d.HistoryLen())
		assert.Equal(t, 2, other.d.HistoryIndex())
		assert.True(t, store.Equal(h.d.Snapshot(), other.d.Snapshot()))

		other.do(action.Redo{})
		v, ok := other.d.Snapshot().Set(store.MustPath("/links"))
		require.True(t, ok)
		assert.Equal(t, 1, v.Len())
	})

	t.Run("malformed file leaves state untouched", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.fls")
		require.NoError(t, os.WriteFile(bad, []byte(`{"/x": `), 0o644))

		before := h.d.Snapshot()
		err := h.d.Load(h.ctx, bad)
		assert.ErrorIs(t, err, project.ErrMalformed)
		assert.Same(t, before, h.d.Snapshot())
		assert.Equal(t, 4, h.d.HistoryLen())
	})

	t.Run("unknown extension is rejected", func(t *testing.T) {
		assert.False(t, h.d.CanApply(action.OpenProject{Path: "song.mp3"}))
		assert.ErrorIs(t, h.d.Save(h.ctx, filepath.Join(dir, "song.mp3")), project.ErrUnknownFormat)
	})

	t.Run("open empty project", func(t *testing.T) {
		other := newHarness(t)
		require.NoError(t, other.d.Load(other.ctx, statePath))
		other.do(action.OpenEmptyProject{})
		assert.True(t, store.Equal(store.Empty(), other.d.Snapshot()))
		assert.Equal(t, 1, other.d.HistoryLen())
	})
}

func TestSaveErrorIsReturnedFromTick(t *testing.T) {
	h := newHarness(t)
	h.commit(setInt("/x", 1))
	require.True(t, h.d.Enqueue(action.SaveProject{Path: filepath.Join(t.TempDir(), "missing", "a.fls")}))
	err := h.d.Tick(h.ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, h.d.HistoryLen(), "history untouched")
}

func TestJournalHook(t *testing.T) {
	j := &fakeJournal{}
	h := newHarness(t, func(c *Config) { c.Journal = j })

	h.commit(setInt("/x", 1))
	h.commit(setInt("/x", 2))
	h.do(action.Undo{})
	h.do(action.OpenEmptyProject{})

	assert.Equal(t, []int{1, 2}, j.appends)
	assert.Equal(t, []int{1}, j.cursors)
	assert.Equal(t, []int{0}, j.resets)
}

func TestRestore(t *testing.T) {
	src := newHarness(t)
	src.commit(setInt("/x", 1))
	src.commit(setInt("/y", 2))
	gestures := src.d.hist.Gestures()

	h := newHarness(t)
	require.NoError(t, h.d.Restore(h.ctx, nil, gestures, 1))
	assert.Equal(t, 3, h.d.HistoryLen())
	assert.Equal(t, 1, h.d.HistoryIndex())
	v, _ := h.d.Snapshot().Lookup(xPath)
	assert.Equal(t, store.Int(1), v)

	t.Run("bad index", func(t *testing.T) {
		err := h.d.Restore(h.ctx, nil, gestures, 7)
		assert.ErrorIs(t, err, project.ErrMalformed)
		assert.Equal(t, 1, h.d.HistoryIndex(), "state untouched")
	})

	t.Run("gesture that does not apply", func(t *testing.T) {
		bad := []action.Gesture{{Entries: []action.Entry{{Action: action.PopValue{Path: seq}}}}}
		err := h.d.Restore(h.ctx, nil, bad, 1)
		assert.ErrorIs(t, err, project.ErrMalformed)
	})
}

// -----------------------------------------------------------------------------
// Loop
// -----------------------------------------------------------------------------

func TestRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.True(t, d.Enqueue(setInt("/x", 1)))
	require.Eventually(t, func() bool {
		_, ok := d.Snapshot().Lookup(xPath)
		return ok
	}, 2*time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, d.HistoryLen(), "close seals the open gesture")
	assert.False(t, d.Enqueue(setInt("/x", 2)))
}

func TestRun_RequiresInterval(t *testing.T) {
	d := New(Config{})
	assert.Error(t, d.Run(context.Background()))
}
