// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps the undo/redo checkpoints of a dispatcher.
//
// # Description
//
// History is an append-only list of Records with a cursor. Record 0 holds
// the initial store and an empty gesture; every later record holds the
// store produced by one sealed gesture. Appending while the cursor is not
// at the newest record drops everything after the cursor first, the way an
// editor forgets the redo stack once you type.
//
// Stores are persistent, so keeping one per record costs only the nodes
// each gesture actually changed.
//
// # Thread Safety
//
// History is NOT safe for concurrent use. It is owned by the dispatcher
// goroutine; other goroutines read the stores it publishes.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/flowstate/pkg/hamt"
	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// ErrIndexOutOfRange is returned when a cursor position is outside
// [0, Len-1].
var ErrIndexOutOfRange = errors.New("history index out of range")

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is one undo/redo checkpoint.
type Record struct {
	// Store is the state after Gesture was applied.
	Store *store.Store

	// Gesture is the sealed, merged gesture that produced Store. Empty for
	// record 0.
	Gesture action.Gesture

	// Patch is the difference from the previous record's store.
	Patch patch.Patch

	// Metrics accumulate per-path update times up to this record.
	Metrics Metrics
}

// Metrics maps each path to the commit times of the records that changed
// it, oldest first. It is persistent: records share unchanged entries.
type Metrics struct {
	updates hamt.Map[[]time.Time]
}

// Latest returns the most recent commit time recorded for path.
func (m Metrics) Latest(path store.Path) (time.Time, bool) {
	times, ok := m.updates.Get(string(path))
	if !ok || len(times) == 0 {
		return time.Time{}, false
	}
	return times[len(times)-1], true
}

// Updates returns every commit time recorded for path.
func (m Metrics) Updates(path store.Path) []time.Time {
	times, _ := m.updates.Get(string(path))
	return times
}

func (m Metrics) with(paths []store.Path, at time.Time) Metrics {
	b := m.updates.Transient()
	for _, p := range paths {
		prev, _ := b.Get(string(p))
		next := make([]time.Time, len(prev), len(prev)+1)
		copy(next, prev)
		b.Set(string(p), append(next, at))
	}
	return Metrics{updates: b.Map()}
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// History is the list of checkpoints and the cursor into it.
type History struct {
	records []Record
	index   int
}

// New returns a history whose only record holds initial.
func New(initial *store.Store) *History {
	h := &History{}
	h.Reset(initial)
	return h
}

// Reset discards every record and starts over from initial.
func (h *History) Reset(initial *store.Store) {
	if initial == nil {
		initial = store.Empty()
	}
	h.records = []Record{{Store: initial, Patch: patch.New(store.Root)}}
	h.index = 0
}

// Len returns the number of records. Always at least 1.
func (h *History) Len() int { return len(h.records) }

// Index returns the cursor position.
func (h *History) Index() int { return h.index }

// Current returns the record at the cursor.
func (h *History) Current() Record { return h.records[h.index] }

// CanUndo reports whether the cursor can move back.
func (h *History) CanUndo() bool { return h.index > 0 }

// CanRedo reports whether the cursor can move forward.
func (h *History) CanRedo() bool { return h.index < len(h.records)-1 }

// At returns record i.
func (h *History) At(i int) (Record, error) {
	if i < 0 || i >= len(h.records) {
		return Record{}, fmt.Errorf("%w: %d not in [0, %d]", ErrIndexOutOfRange, i, len(h.records)-1)
	}
	return h.records[i], nil
}

// StoreAt returns the store of record i.
func (h *History) StoreAt(i int) (*store.Store, error) {
	r, err := h.At(i)
	if err != nil {
		return nil, err
	}
	return r.Store, nil
}

// Append commits a sealed gesture as a new record after the cursor.
//
// Description:
//
//	Records after the cursor are dropped first. The new record's metrics
//	mark every path in p as updated at g.CommitTime. The cursor moves to
//	the new record.
//
// Inputs:
//   - s: The store after the gesture.
//   - g: The merged, sealed gesture.
//   - p: The patch from the current record's store to s. Must be non-empty.
//
// Outputs:
//   - int: How many records were dropped from the tail.
func (h *History) Append(s *store.Store, g action.Gesture, p patch.Patch) int {
	dropped := len(h.records) - 1 - h.index
	if dropped > 0 {
		clear(h.records[h.index+1:])
		h.records = h.records[:h.index+1]
	}
	prev := h.records[h.index]
	h.records = append(h.records, Record{
		Store:   s,
		Gesture: g,
		Patch:   p,
		Metrics: prev.Metrics.with(p.Paths(), g.CommitTime),
	})
	h.index = len(h.records) - 1
	return dropped
}

// Rebase replaces the store of the record at the cursor with s, for changes
// no gesture accounts for. The record keeps its gesture and metrics; its
// patch is recomputed against the previous record. Later records are left
// alone.
func (h *History) Rebase(s *store.Store) {
	r := &h.records[h.index]
	r.Store = s
	if h.index > 0 {
		r.Patch = patch.Diff(h.records[h.index-1].Store, s, store.Root)
	}
}

// SetIndex moves the cursor to i.
func (h *History) SetIndex(i int) error {
	if i < 0 || i >= len(h.records) {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrIndexOutOfRange, i, len(h.records)-1)
	}
	h.index = i
	return nil
}

// Records returns a copy of the record list.
func (h *History) Records() []Record {
	return append([]Record(nil), h.records...)
}

// Gestures returns the gestures of records 1..Len-1, in order.
func (h *History) Gestures() []action.Gesture {
	out := make([]action.Gesture, 0, len(h.records)-1)
	for _, r := range h.records[1:] {
		out = append(out, r.Gesture)
	}
	return out
}

// LatestUpdateTime returns when path last changed as of the cursor.
func (h *History) LatestUpdateTime(path store.Path) (time.Time, bool) {
	return h.records[h.index].Metrics.Latest(path)
}
