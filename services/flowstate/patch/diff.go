// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"slices"

	"github.com/AleutianAI/flowstate/pkg/hamt"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// Diff computes the patch that turns before into after.
//
// Description:
//
//	Only paths equal to or beneath base are considered; store.Root covers
//	the whole store. Subtrees the two stores share are skipped, so the cost
//	follows the size of the change rather than the size of the store.
//
//	Scalars produce Add, Remove or Replace. Sequences are compared
//	index-wise: differing positions up to the shorter length produce SetAt,
//	extra positions in after produce Appends in order, and extra positions
//	in before produce Pops from the highest index down. Sets produce Erase
//	for members only in before and Insert for members only in after, each
//	in store.ComparePairs order.
//
//	When a path changes category, the ops of the category that disappears
//	come first.
//
// Inputs:
//
//	before, after - The stores to compare. Neither is modified.
//	base - Scope of the diff.
//
// Outputs:
//
//	Patch - Empty when the stores agree under base.
func Diff(before, after *store.Store, base store.Path) Patch {
	b := &builder{patch: New(base), base: base}

	store.DiffValues(before, after, func(c hamt.Change[store.Value]) {
		path := store.Path(c.Key)
		if !b.inScope(path) {
			return
		}
		switch {
		case c.HadBefore && c.HasAfter:
			b.add(path, false, Replace(c.After, c.Before))
		case c.HasAfter:
			b.add(path, false, Add(c.After))
		default:
			b.add(path, true, Remove(c.Before))
		}
	})

	store.DiffSeqs(before, after, func(c hamt.Change[[]store.Value]) {
		path := store.Path(c.Key)
		if !b.inScope(path) {
			return
		}
		b.add(path, !c.HasAfter, diffSeq(c.Before, c.After)...)
	})

	store.DiffSets(before, after, func(c hamt.Change[store.PairSet]) {
		path := store.Path(c.Key)
		if !b.inScope(path) {
			return
		}
		b.add(path, !c.HasAfter, diffSet(c.Before, c.After)...)
	})

	return b.patch
}

type builder struct {
	patch Patch
	base  store.Path
}

func (b *builder) inScope(p store.Path) bool {
	return p.HasPrefix(b.base)
}

// add records ops for path. Ops that empty out a category go before any
// ops already recorded for the same path.
func (b *builder) add(path store.Path, vanishing bool, ops ...Op) {
	if len(ops) == 0 {
		return
	}
	cur := b.patch.Ops[path]
	if vanishing {
		b.patch.Ops[path] = append(slices.Clone(ops), cur...)
		return
	}
	b.patch.Ops[path] = append(cur, ops...)
}

func diffSeq(before, after []store.Value) []Op {
	var ops []Op
	n := min(len(before), len(after))
	for i := 0; i < n; i++ {
		if before[i] != after[i] {
			ops = append(ops, SetAt(i, after[i], before[i]))
		}
	}
	for i := n; i < len(after); i++ {
		ops = append(ops, Append(i, after[i]))
	}
	for i := len(before) - 1; i >= n; i-- {
		ops = append(ops, Pop(i, before[i]))
	}
	return ops
}

func diffSet(before, after store.PairSet) []Op {
	var ops []Op
	for _, p := range before.Sorted() {
		if !after.Has(p) {
			ops = append(ops, Erase(p))
		}
	}
	for _, p := range after.Sorted() {
		if !before.Has(p) {
			ops = append(ops, Insert(p))
		}
	}
	return ops
}
