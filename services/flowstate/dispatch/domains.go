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
	"log/slog"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// domainHandler applies the store-editing actions of one Domain.
//
// CanApply is pure. Apply is total once CanApply returned true for the
// same reader state.
type domainHandler interface {
	CanApply(r store.Reader, a action.Action) bool
	Apply(t *store.Transient, a action.Action)
}

// writable reports whether path may hold a leaf of category c.
func writable(r store.Reader, path store.Path, c store.Category) bool {
	if path == store.Root {
		return false
	}
	have := r.Category(path)
	return have == store.CategoryNone || have == c
}

// -----------------------------------------------------------------------------
// Primitive
// -----------------------------------------------------------------------------

type primitiveDomain struct{}

func (primitiveDomain) CanApply(r store.Reader, a action.Action) bool {
	switch a := a.(type) {
	case action.SetValue:
		return a.Value.IsValid() && writable(r, a.Path, store.CategoryScalar)
	case action.SetValues:
		if len(a.Values) == 0 {
			return false
		}
		seen := make(map[store.Path]struct{}, len(a.Values))
		for _, pv := range a.Values {
			if _, dup := seen[pv.Path]; dup {
				return false
			}
			seen[pv.Path] = struct{}{}
			if !pv.Value.IsValid() || !writable(r, pv.Path, store.CategoryScalar) {
				return false
			}
		}
		return true
	case action.ToggleBool:
		v, ok := r.Lookup(a.Path)
		if !ok {
			return false
		}
		_, isBool := v.AsBool()
		return isBool
	}
	return false
}

func (primitiveDomain) Apply(t *store.Transient, a action.Action) {
	switch a := a.(type) {
	case action.SetValue:
		t.SetValue(a.Path, a.Value)
	case action.SetValues:
		for _, pv := range a.Values {
			t.SetValue(pv.Path, pv.Value)
		}
	case action.ToggleBool:
		v, _ := t.Lookup(a.Path)
		b, _ := v.AsBool()
		t.SetValue(a.Path, store.Bool(!b))
	}
}

// -----------------------------------------------------------------------------
// Vector
// -----------------------------------------------------------------------------

type vectorDomain struct{}

func (vectorDomain) CanApply(r store.Reader, a action.Action) bool {
	switch a := a.(type) {
	case action.AppendValue:
		return a.Value.IsValid() && writable(r, a.Path, store.CategorySequence)
	case action.PopValue:
		seq, ok := r.Seq(a.Path)
		return ok && len(seq) > 0
	case action.SetValueAt:
		seq, ok := r.Seq(a.Path)
		return ok && a.Value.IsValid() && a.Index >= 0 && a.Index < len(seq)
	}
	return false
}

func (vectorDomain) Apply(t *store.Transient, a action.Action) {
	switch a := a.(type) {
	case action.AppendValue:
		t.Append(a.Path, a.Value)
	case action.PopValue:
		t.Pop(a.Path)
	case action.SetValueAt:
		t.SetAt(a.Path, a.Index, a.Value)
	}
}

// -----------------------------------------------------------------------------
// Set
// -----------------------------------------------------------------------------

type setDomain struct{}

func (setDomain) CanApply(r store.Reader, a action.Action) bool {
	switch a := a.(type) {
	case action.InsertPair:
		if !a.Pair.First.IsValid() || !a.Pair.Second.IsValid() || !writable(r, a.Path, store.CategorySet) {
			return false
		}
		set, _ := r.Set(a.Path)
		return !set.Has(a.Pair)
	case action.ErasePair:
		set, ok := r.Set(a.Path)
		return ok && set.Has(a.Pair)
	}
	return false
}

func (setDomain) Apply(t *store.Transient, a action.Action) {
	switch a := a.(type) {
	case action.InsertPair:
		t.Insert(a.Path, a.Pair)
	case action.ErasePair:
		t.EraseMember(a.Path, a.Pair)
	}
}

// -----------------------------------------------------------------------------
// Patch
// -----------------------------------------------------------------------------

type patchDomain struct{}

// CanApply accepts an undoable ApplyPatch only when every op's old side
// matches r, so that undoing it restores exactly what was there. External
// patches come from state owned elsewhere and only need to be non-empty.
func (patchDomain) CanApply(r store.Reader, a action.Action) bool {
	switch a := a.(type) {
	case action.ApplyPatch:
		return !a.Patch.IsEmpty() && matches(r, a.Patch)
	case action.ApplyExternalPatch:
		return !a.Patch.IsEmpty()
	}
	return false
}

func (patchDomain) Apply(t *store.Transient, a action.Action) {
	switch a := a.(type) {
	case action.ApplyPatch:
		patch.Apply(t, a.Patch)
	case action.ApplyExternalPatch:
		patch.Apply(t, a.Patch)
	}
}

// matches replays p's preconditions against r without editing anything.
func matches(r store.Reader, p patch.Patch) bool {
	for path, ops := range p.Ops {
		if path == store.Root {
			return false
		}
		cur, hasCur := r.Lookup(path)
		seq, _ := r.Seq(path)
		seq = append([]store.Value(nil), seq...)
		set, _ := r.Set(path)
		members := make(map[store.Pair]bool)

		for _, op := range ops {
			switch op.Kind {
			case patch.OpAdd:
				if hasCur {
					return false
				}
				cur, hasCur = op.Value, true
			case patch.OpRemove:
				if !hasCur || cur != op.Old {
					return false
				}
				hasCur = false
			case patch.OpReplace:
				if !hasCur || cur != op.Old {
					return false
				}
				cur = op.Value
			case patch.OpAppend:
				if op.Index != len(seq) {
					return false
				}
				seq = append(seq, op.Value)
			case patch.OpPop:
				if op.Index < 0 || op.Index != len(seq)-1 || seq[op.Index] != op.Old {
					return false
				}
				seq = seq[:op.Index]
			case patch.OpSetAt:
				if op.Index < 0 || op.Index >= len(seq) || seq[op.Index] != op.Old {
					return false
				}
				seq[op.Index] = op.Value
			case patch.OpInsert:
				present, touched := members[op.Pair]
				if !touched {
					present = set.Has(op.Pair)
				}
				if present {
					return false
				}
				members[op.Pair] = true
			case patch.OpErase:
				present, touched := members[op.Pair]
				if !touched {
					present = set.Has(op.Pair)
				}
				if !present {
					return false
				}
				members[op.Pair] = false
			default:
				return false
			}
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// nodeDomain destroys registered nodes. It is the only handler with side
// effects outside the store: applied EraseNode actions unregister nodes.
// Without a tree it erases by prefix.
type nodeDomain struct {
	tree   *Tree
	logger *slog.Logger
}

func (d nodeDomain) CanApply(r store.Reader, a action.Action) bool {
	e, ok := a.(action.EraseNode)
	if !ok || e.Path == store.Root {
		return false
	}
	if d.tree != nil {
		if _, ok := d.tree.At(e.Path); ok {
			return true
		}
	}
	return r.HasUnder(e.Path)
}

func (d nodeDomain) Apply(t *store.Transient, a action.Action) {
	e := a.(action.EraseNode)
	if d.tree == nil {
		t.EraseAll(e.Path)
		return
	}
	n, ok := d.tree.At(e.Path)
	if !ok {
		t.EraseAll(e.Path)
		return
	}
	for _, sub := range d.tree.Subtree(n.ID()) {
		sub.Erase(t)
		if err := d.tree.Unregister(sub.ID()); err != nil && d.logger != nil {
			d.logger.Warn("unregister erased node failed",
				slog.String("node", string(sub.ID())),
				slog.String("error", err.Error()),
			)
		}
	}
}
