// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch computes, applies and composes differences between stores.
//
// # Description
//
// A Patch maps each changed Path to the ordered list of primitive Ops that
// turn the "before" leaf into the "after" leaf. Ops carry both the new and
// the old side, so a Patch can be reversed and re-applied in either
// direction without the stores it was computed from.
//
// Diff never fails and never mutates its inputs. Diff(s, s) is empty.
//
// # Thread Safety
//
// Patch values are not synchronized. Treat a Patch as immutable once it has
// been handed to another goroutine.
package patch

import (
	"slices"

	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// Patch is the set of differences between two stores under Base.
type Patch struct {
	Base store.Path
	Ops  map[store.Path][]Op
}

// New returns an empty patch scoped to base.
func New(base store.Path) Patch {
	return Patch{Base: base, Ops: make(map[store.Path][]Op)}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Ops) == 0
}

// Len returns the total number of ops.
func (p Patch) Len() int {
	n := 0
	for _, ops := range p.Ops {
		n += len(ops)
	}
	return n
}

// Paths returns the touched paths in store.ComparePaths order.
func (p Patch) Paths() []store.Path {
	out := make([]store.Path, 0, len(p.Ops))
	for path := range p.Ops {
		out = append(out, path)
	}
	slices.SortFunc(out, store.ComparePaths)
	return out
}

// Reverse returns the patch that undoes p.
//
// Each op is reversed and each path's op list is reversed, so sequence
// Appends become Pops in highest-index-first order and vice versa.
func (p Patch) Reverse() Patch {
	out := New(p.Base)
	for path, ops := range p.Ops {
		rev := make([]Op, len(ops))
		for i, op := range ops {
			rev[len(ops)-1-i] = op.Reverse()
		}
		out.Ops[path] = rev
	}
	return out
}

// Apply replays the new side of every op onto t.
//
// Description:
//
//	Ops are replayed per path in order. Apply is total: it never fails,
//	and an op whose precondition does not hold (a Pop on an empty sequence,
//	a SetAt out of range) is a no-op.
func Apply(t *store.Transient, p Patch) {
	for path, ops := range p.Ops {
		for _, op := range ops {
			applyOp(t, path, op)
		}
	}
}

// Revert replays the old side of every op onto t, undoing p.
func Revert(t *store.Transient, p Patch) {
	Apply(t, p.Reverse())
}

func applyOp(t *store.Transient, path store.Path, op Op) {
	switch op.Kind {
	case OpAdd, OpReplace:
		t.SetValue(path, op.Value)
	case OpRemove:
		if t.Category(path) == store.CategoryScalar {
			t.Erase(path)
		}
	case OpAppend:
		t.Append(path, op.Value)
	case OpPop:
		t.Pop(path)
	case OpSetAt:
		t.SetAt(path, op.Index, op.Value)
	case OpInsert:
		t.Insert(path, op.Pair)
	case OpErase:
		t.EraseMember(path, op.Pair)
	}
}

// Compose returns a patch equivalent to applying p and then next.
//
// Description:
//
//	Op lists are concatenated per path and adjacent ops are folded:
//	exact inverses cancel, consecutive writes to the same scalar or
//	sequence slot collapse into one. Paths whose ops all cancel are
//	dropped. Bases that differ compose to store.Root.
func (p Patch) Compose(next Patch) Patch {
	base := p.Base
	if next.Base != base {
		base = store.Root
	}
	out := New(base)
	for path, ops := range p.Ops {
		out.Ops[path] = slices.Clone(ops)
	}
	for path, ops := range next.Ops {
		folded := out.Ops[path]
		for _, op := range ops {
			folded = fold(folded, op)
		}
		if len(folded) == 0 {
			delete(out.Ops, path)
		} else {
			out.Ops[path] = folded
		}
	}
	return out
}

// fold pushes op onto stack, merging it with the top when possible.
func fold(stack []Op, op Op) []Op {
	if len(stack) == 0 {
		return append(stack, op)
	}
	top := stack[len(stack)-1]
	if op == top.Reverse() {
		return stack[:len(stack)-1]
	}
	merged, ok := combine(top, op)
	if !ok {
		return append(stack, op)
	}
	stack = stack[:len(stack)-1]
	if merged.isNoop() {
		return stack
	}
	return fold(stack, merged)
}

func (o Op) isNoop() bool {
	return (o.Kind == OpReplace || o.Kind == OpSetAt) && o.Value == o.Old
}

// combine merges two consecutive ops on the same path into one.
func combine(a, b Op) (Op, bool) {
	switch {
	case a.Kind == OpAdd && b.Kind == OpReplace:
		return Add(b.Value), true
	case a.Kind == OpReplace && b.Kind == OpReplace:
		return Replace(b.Value, a.Old), true
	case a.Kind == OpReplace && b.Kind == OpRemove:
		return Remove(a.Old), true
	case a.Kind == OpRemove && b.Kind == OpAdd:
		return Replace(b.Value, a.Old), true
	case a.Kind == OpSetAt && b.Kind == OpSetAt && a.Index == b.Index:
		return SetAt(a.Index, b.Value, a.Old), true
	case a.Kind == OpAppend && b.Kind == OpSetAt && a.Index == b.Index:
		return Append(a.Index, b.Value), true
	}
	return Op{}, false
}
