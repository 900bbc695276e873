// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hamt

// Change describes how one key differs between two maps.
type Change[V any] struct {
	Key string

	Before    V
	HadBefore bool

	After    V
	HasAfter bool
}

// Diff reports every key whose binding differs between before and after.
//
// Description:
//
//	Walks both tries in lockstep. Subtrees and buckets that are
//	pointer-identical are skipped without inspection, so maps that share
//	most of their structure diff in time proportional to the edited region.
//	Values present on both sides are compared with eq; fn is called only
//	for keys where eq reports false or where one side lacks the key.
//
// Inputs:
//
//	before, after - The maps to compare.
//	eq - Value equality. Must be reflexive.
//	fn - Receives each change. Order is unspecified.
//
// Thread Safety: Safe; maps are immutable.
func Diff[V any](before, after Map[V], eq func(a, b V) bool, fn func(Change[V])) {
	if before.root == after.root {
		return
	}
	diffNode(before.root, after.root, eq, fn)
}

func diffNode[V any](x, y *node[V], eq func(a, b V) bool, fn func(Change[V])) {
	if x == y {
		return
	}
	var xb, yb uint32
	if x != nil {
		xb = x.bitmap
	}
	if y != nil {
		yb = y.bitmap
	}
	for all := xb | yb; all != 0; all &= all - 1 {
		bit := all & -all
		var xs, ys *slot[V]
		if xb&bit != 0 {
			xs = &x.slots[slotIndex(xb, bit)]
		}
		if yb&bit != 0 {
			ys = &y.slots[slotIndex(yb, bit)]
		}
		diffSlot(xs, ys, eq, fn)
	}
}

func diffSlot[V any](xs, ys *slot[V], eq func(a, b V) bool, fn func(Change[V])) {
	switch {
	case xs != nil && ys != nil && xs.child != nil && ys.child != nil:
		diffNode(xs.child, ys.child, eq, fn)
		return
	case xs != nil && ys != nil && xs.bucket != nil && xs.bucket == ys.bucket:
		return
	}

	// Mixed shapes: a bucket on one side and a subtree on the other, or a
	// slot present on one side only. Compare by key.
	left := collect(xs)
	right := collect(ys)
	for k, bv := range left {
		av, ok := right[k]
		if !ok {
			fn(Change[V]{Key: k, Before: bv, HadBefore: true})
			continue
		}
		if !eq(bv, av) {
			fn(Change[V]{Key: k, Before: bv, HadBefore: true, After: av, HasAfter: true})
		}
	}
	for k, av := range right {
		if _, ok := left[k]; !ok {
			fn(Change[V]{Key: k, After: av, HasAfter: true})
		}
	}
}

func collect[V any](s *slot[V]) map[string]V {
	if s == nil {
		return nil
	}
	out := make(map[string]V)
	if s.bucket != nil {
		for _, e := range s.bucket.entries {
			out[e.key] = e.val
		}
		return out
	}
	rangeNode(s.child, func(k string, v V) bool {
		out[k] = v
		return true
	})
	return out
}

// depth returns the height of the trie. Used by tests to check collapse.
func (m Map[V]) depth() int {
	return nodeDepth(m.root)
}

func nodeDepth[V any](n *node[V]) int {
	if n == nil {
		return 0
	}
	d := 0
	for _, s := range n.slots {
		if s.child != nil {
			d = max(d, nodeDepth(s.child))
		}
	}
	return d + 1
}
