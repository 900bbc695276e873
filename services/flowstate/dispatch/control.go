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
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/history"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
	"github.com/AleutianAI/flowstate/services/flowstate/telemetry"
)

// canControl is CanApply for history and project actions.
func canControl(a action.Action, index, length int, gestureOpen bool) bool {
	switch a := a.(type) {
	case action.Undo:
		return index > 0 || gestureOpen
	case action.Redo:
		return index < length-1
	case action.SetHistoryIndex:
		return a.Index >= 0 && a.Index < length
	case action.OpenProject:
		_, err := project.FormatFor(a.Path)
		return err == nil
	case action.SaveProject:
		_, err := project.FormatFor(a.Path)
		return err == nil
	case action.OpenEmptyProject:
		return true
	}
	return false
}

// control runs an admissible history or project action.
func (d *Dispatcher) control(ctx context.Context, a action.Action) error {
	switch a := a.(type) {
	case action.Undo:
		d.undo(ctx)
	case action.Redo:
		d.redo(ctx)
	case action.SetHistoryIndex:
		return d.setIndex(ctx, a.Index)
	case action.OpenProject:
		return d.load(ctx, a.Path)
	case action.OpenEmptyProject:
		d.loadEmpty(ctx)
	case action.SaveProject:
		d.seal(ctx, d.clock())
		return d.Save(ctx, a.Path)
	}
	return nil
}

// -----------------------------------------------------------------------------
// History navigation
// -----------------------------------------------------------------------------

// Undo steps back one record. At the newest record an open gesture is
// sealed first; in the middle of history it is discarded.
//
// Consumer goroutine only; producers enqueue action.Undo instead.
func (d *Dispatcher) Undo(ctx context.Context) {
	d.undo(ctx)
	d.publish()
}

// Redo steps forward one record when there is one, discarding the open
// gesture.
//
// Consumer goroutine only.
func (d *Dispatcher) Redo(ctx context.Context) {
	d.redo(ctx)
	d.publish()
}

// SetIndex discards the open gesture and moves the cursor to i.
//
// Outputs:
//   - error: history.ErrIndexOutOfRange if i is not a record.
//
// Consumer goroutine only.
func (d *Dispatcher) SetIndex(ctx context.Context, i int) error {
	err := d.setIndex(ctx, i)
	d.publish()
	return err
}

func (d *Dispatcher) undo(ctx context.Context) {
	if d.hist.Index() == d.hist.Len()-1 && !d.gesture.IsEmpty() {
		d.seal(ctx, d.clock())
	} else {
		d.discard()
	}
	target := d.hist.Index() - 1
	if target < 0 {
		// Nothing to step back to; drop any discarded edits from the live store.
		target = 0
	}
	d.navigate(ctx, target)
}

func (d *Dispatcher) redo(ctx context.Context) {
	if !d.hist.CanRedo() {
		return
	}
	d.discard()
	d.navigate(ctx, d.hist.Index()+1)
}

func (d *Dispatcher) setIndex(ctx context.Context, i int) error {
	d.discard()
	if _, err := d.hist.At(i); err != nil {
		return err
	}
	d.navigate(ctx, i)
	return nil
}

// navigate makes record i's store live. The patch is computed from the
// live store, so edits of a discarded gesture are reverted as well.
func (d *Dispatcher) navigate(ctx context.Context, i int) {
	from := d.hist.Index()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "dispatch.Dispatcher.navigate",
		trace.WithAttributes(
			attribute.Int("from", from),
			attribute.Int("to", i),
		),
	)
	defer span.End()

	target, err := d.hist.StoreAt(i)
	if err != nil {
		d.violation(ctx, fmt.Errorf("%w: navigate: %w", ErrInvariant, err))
		return
	}
	d.setPhase(PhaseDiffing)
	p := patch.Diff(d.live, target, store.Root)
	d.verify(ctx, d.live, target, p)

	d.live = target
	if err := d.hist.SetIndex(i); err != nil {
		d.violation(ctx, fmt.Errorf("%w: navigate: %w", ErrInvariant, err))
		return
	}
	d.histDirty = true
	d.effects(ctx, p)

	if from != i && d.journal != nil {
		if err := d.journal.SetCursor(ctx, i); err != nil {
			telemetry.RecordError(span, err)
			d.logger.Warn("journal cursor update failed", slog.Int("index", i), slog.String("error", err.Error()))
		}
	}
}

// verify checks that p turns before into after.
func (d *Dispatcher) verify(ctx context.Context, before, after *store.Store, p patch.Patch) {
	t := before.Transient()
	patch.Apply(t, p)
	if !store.Equal(t.Persistent(), after) {
		d.violation(ctx, fmt.Errorf("%w: patch of %d ops does not reproduce the target store", ErrInvariant, p.Len()))
	}
}

// -----------------------------------------------------------------------------
// Projects
// -----------------------------------------------------------------------------

// Load replaces the live state and history with the content of a state or
// replay file.
//
// Description:
//
//	The file is read and fully decoded, and a replay is fully re-applied,
//	before anything changes. On error the dispatcher is untouched. A state
//	file yields a one-record history; a replay yields one record per
//	gesture with the saved cursor.
//
// Outputs:
//   - error: project.ErrUnknownFormat, project.ErrMalformed, or an I/O
//     error, wrapped.
//
// Consumer goroutine only; producers enqueue action.OpenProject instead.
func (d *Dispatcher) Load(ctx context.Context, name string) error {
	err := d.load(ctx, name)
	d.publish()
	return err
}

// LoadEmpty resets to the empty store with a fresh history.
//
// Consumer goroutine only.
func (d *Dispatcher) LoadEmpty(ctx context.Context) {
	d.loadEmpty(ctx)
	d.publish()
}

// Restore rebuilds history from a journal recovery: base plus one record
// per gesture, cursor at index. Nothing is written back to the journal.
//
// Consumer goroutine only. Call before Run.
func (d *Dispatcher) Restore(ctx context.Context, base *store.Store, gestures []action.Gesture, index int) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "dispatch.Dispatcher.Restore",
		trace.WithAttributes(
			attribute.Int("gestures", len(gestures)),
			attribute.Int("index", index),
		),
	)
	defer span.End()

	if base == nil {
		base = store.Empty()
	}
	h, err := rebuild(base, gestures, index)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("restore: %w", err)
	}
	d.install(ctx, h)
	d.publish()
	d.logger.Info("history restored", slog.Int("records", h.Len()), slog.Int("index", h.Index()))
	return nil
}

// Save writes the live store (state files) or the history (replay files).
// An open gesture is not part of a replay until it is sealed.
//
// Consumer goroutine only; producers enqueue action.SaveProject, which
// seals first.
func (d *Dispatcher) Save(ctx context.Context, name string) error {
	format, err := project.FormatFor(name)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	doc := project.Document{Format: format}
	switch format {
	case project.FormatState:
		doc.State = d.live
	case project.FormatReplay:
		doc.Replay = project.Replay{Gestures: d.hist.Gestures(), Index: d.hist.Index()}
	}
	if err := project.Write(ctx, name, doc); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	d.logger.Info("project saved", slog.String("path", name), slog.String("format", format.String()))
	return nil
}

func (d *Dispatcher) load(ctx context.Context, name string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "dispatch.Dispatcher.Load",
		trace.WithAttributes(attribute.String("path", name)),
	)
	defer span.End()

	doc, err := project.Read(ctx, name)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("load %s: %w", name, err)
	}

	var (
		h        *history.History
		base     = store.Empty()
		gestures []action.Gesture
	)
	switch doc.Format {
	case project.FormatState:
		base = doc.State
		h = history.New(base)
	case project.FormatReplay:
		gestures = doc.Replay.Gestures
		h, err = rebuild(base, gestures, doc.Replay.Index)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("load %s: %w", name, err)
		}
	}

	d.install(ctx, h)
	d.resetJournal(ctx, base, gestures, h.Index())
	d.logger.Info("project loaded",
		slog.String("path", name),
		slog.String("format", doc.Format.String()),
		slog.Int("records", h.Len()),
	)
	return nil
}

func (d *Dispatcher) loadEmpty(ctx context.Context) {
	d.install(ctx, history.New(store.Empty()))
	d.resetJournal(ctx, store.Empty(), nil, 0)
}

// install swaps in h and makes its current store live, with change
// effects for everything that differs.
func (d *Dispatcher) install(ctx context.Context, h *history.History) {
	d.discard()
	next := h.Current().Store
	p := patch.Diff(d.live, next, store.Root)
	d.hist = h
	d.live = next
	d.histDirty = true
	d.effects(ctx, p)
}

func (d *Dispatcher) resetJournal(ctx context.Context, base *store.Store, gestures []action.Gesture, index int) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Reset(ctx, base, gestures, index); err != nil {
		d.logger.Warn("journal reset failed", slog.String("error", err.Error()))
	}
}

// rebuild replays gestures onto base through the store sub-dispatchers,
// one record per gesture, and moves the cursor to index.
//
// EraseNode is replayed by prefix: replay must not destroy live nodes.
func rebuild(base *store.Store, gestures []action.Gesture, index int) (*history.History, error) {
	domains := handlers(nil, nil)
	h := history.New(base)
	cur := base
	for i, g := range gestures {
		t := cur.Transient()
		for j, e := range g.Entries {
			hd, ok := domains[e.Action.Domain()]
			if !ok || !hd.CanApply(t, e.Action) {
				return nil, fmt.Errorf("%w: gesture %d entry %d: %s does not apply",
					project.ErrMalformed, i, j, e.Action.Kind())
			}
			hd.Apply(t, e.Action)
		}
		next := t.Persistent()
		p := patch.Diff(cur, next, store.Root)
		if p.IsEmpty() {
			return nil, fmt.Errorf("%w: gesture %d changes nothing", project.ErrMalformed, i)
		}
		h.Append(next, g, p)
		cur = next
	}
	if err := h.SetIndex(index); err != nil {
		return nil, fmt.Errorf("%w: %w", project.ErrMalformed, err)
	}
	return h, nil
}
