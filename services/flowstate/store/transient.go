// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"slices"

	"github.com/AleutianAI/flowstate/pkg/hamt"
)

// Transient is a mutable batch editor over a Store.
//
// Description:
//
//	Edits are visible through the Transient's own readers and never through
//	the Store it was created from. A path holds at most one category: writing
//	a scalar where a sequence lived replaces the sequence, and so on.
//
//	Sequences and sets exist only while non-empty: popping the last element
//	or erasing the last member unregisters the path. They are copied once,
//	on their first edit in a batch, and edited in place afterwards.
//
// Thread Safety: NOT safe for concurrent use. Any use after Persistent
// panics.
type Transient struct {
	values *hamt.Builder[Value]
	seqs   *hamt.Builder[[]Value]
	sets   *hamt.Builder[PairSet]

	// owned lists the sequences and sets already copied in this batch.
	owned map[Path]struct{}
	dead  bool
}

// Persistent seals the batch and returns the resulting Store.
func (t *Transient) Persistent() *Store {
	t.checkLive()
	t.dead = true
	s := &Store{
		values: t.values.Map(),
		seqs:   t.seqs.Map(),
		sets:   t.sets.Map(),
	}
	if s.Len() == 0 {
		return Empty()
	}
	return s
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Lookup returns the scalar at path.
func (t *Transient) Lookup(path Path) (Value, bool) {
	t.checkLive()
	return t.values.Get(string(path))
}

// Seq returns the sequence at path. The slice must not be modified.
func (t *Transient) Seq(path Path) ([]Value, bool) {
	t.checkLive()
	return t.seqs.Get(string(path))
}

// Set returns the pair set at path.
func (t *Transient) Set(path Path) (PairSet, bool) {
	t.checkLive()
	return t.sets.Get(string(path))
}

// Category reports what is registered at path.
func (t *Transient) Category(path Path) Category {
	t.checkLive()
	return category(path, t.values.Get, t.seqs.Get, t.sets.Get)
}

// -----------------------------------------------------------------------------
// Scalars
// -----------------------------------------------------------------------------

// SetValue binds path to v, replacing any sequence or set there.
func (t *Transient) SetValue(path Path, v Value) {
	t.checkLive()
	t.dropSeq(path)
	t.dropSet(path)
	t.values.Set(string(path), v)
}

// Erase removes whatever is registered at path. It reports whether
// anything was removed.
func (t *Transient) Erase(path Path) bool {
	t.checkLive()
	a := t.values.Delete(string(path))
	b := t.dropSeq(path)
	c := t.dropSet(path)
	return a || b || c
}

// HasUnder reports whether anything is registered at or beneath prefix.
func (t *Transient) HasUnder(prefix Path) bool {
	t.checkLive()
	return hasUnder(prefix, t.values.Range, t.seqs.Range, t.sets.Range)
}

// EraseAll removes every path equal to or beneath prefix and returns how
// many were removed.
func (t *Transient) EraseAll(prefix Path) int {
	t.checkLive()
	var doomed []Path
	match := func(k string) bool {
		if Path(k).HasPrefix(prefix) {
			doomed = append(doomed, Path(k))
		}
		return true
	}
	t.values.Range(func(k string, _ Value) bool { return match(k) })
	t.seqs.Range(func(k string, _ []Value) bool { return match(k) })
	t.sets.Range(func(k string, _ PairSet) bool { return match(k) })
	for _, p := range doomed {
		t.Erase(p)
	}
	return len(doomed)
}

// -----------------------------------------------------------------------------
// Sequences
// -----------------------------------------------------------------------------

// EraseSeq unregisters the sequence at path.
func (t *Transient) EraseSeq(path Path) bool {
	t.checkLive()
	return t.dropSeq(path)
}

// Append adds vs to the end of the sequence at path, creating it if needed.
func (t *Transient) Append(path Path, vs ...Value) {
	t.checkLive()
	if len(vs) == 0 {
		return
	}
	seq := t.editSeq(path)
	t.seqs.Set(string(path), append(seq, vs...))
}

// Pop removes and returns the last element of the sequence at path.
// Popping the only element unregisters the sequence.
func (t *Transient) Pop(path Path) (Value, bool) {
	t.checkLive()
	cur, ok := t.seqs.Get(string(path))
	if !ok {
		return Value{}, false
	}
	last := cur[len(cur)-1]
	if len(cur) == 1 {
		t.dropSeq(path)
		return last, true
	}
	seq := t.editSeq(path)
	t.seqs.Set(string(path), seq[:len(seq)-1])
	return last, true
}

// SetAt replaces element i of the sequence at path. It reports false when
// i is out of range.
func (t *Transient) SetAt(path Path, i int, v Value) bool {
	t.checkLive()
	cur, ok := t.seqs.Get(string(path))
	if !ok || i < 0 || i >= len(cur) {
		return false
	}
	if cur[i] == v {
		return true
	}
	seq := t.editSeq(path)
	seq[i] = v
	t.seqs.Set(string(path), seq)
	return true
}

// editSeq returns a sequence at path that this batch may mutate.
func (t *Transient) editSeq(path Path) []Value {
	cur, ok := t.seqs.Get(string(path))
	if !ok {
		t.values.Delete(string(path))
		t.dropSet(path)
		t.owned[path] = struct{}{}
		return []Value{}
	}
	if _, mine := t.owned[path]; mine {
		return cur
	}
	t.owned[path] = struct{}{}
	return slices.Clone(cur)
}

func (t *Transient) dropSeq(path Path) bool {
	if !t.seqs.Delete(string(path)) {
		return false
	}
	delete(t.owned, path)
	return true
}

// -----------------------------------------------------------------------------
// Sets
// -----------------------------------------------------------------------------

// Insert adds p to the set at path, creating the set if needed. It reports
// whether p was newly added.
func (t *Transient) Insert(path Path, p Pair) bool {
	t.checkLive()
	if cur, ok := t.sets.Get(string(path)); ok && cur.Has(p) {
		return false
	}
	set := t.editSet(path)
	set.m[p] = struct{}{}
	t.sets.Set(string(path), set)
	return true
}

// EraseMember removes p from the set at path. It reports whether p was
// present.
func (t *Transient) EraseMember(path Path, p Pair) bool {
	t.checkLive()
	cur, ok := t.sets.Get(string(path))
	if !ok || !cur.Has(p) {
		return false
	}
	if cur.Len() == 1 {
		t.dropSet(path)
		return true
	}
	set := t.editSet(path)
	delete(set.m, p)
	t.sets.Set(string(path), set)
	return true
}

// EraseSet unregisters the set at path.
func (t *Transient) EraseSet(path Path) bool {
	t.checkLive()
	return t.dropSet(path)
}

func (t *Transient) editSet(path Path) PairSet {
	cur, ok := t.sets.Get(string(path))
	if !ok {
		t.values.Delete(string(path))
		t.dropSeq(path)
		t.owned[path] = struct{}{}
		return PairSet{m: make(map[Pair]struct{})}
	}
	if _, mine := t.owned[path]; mine {
		return cur
	}
	t.owned[path] = struct{}{}
	return cur.clone()
}

func (t *Transient) dropSet(path Path) bool {
	if !t.sets.Delete(string(path)) {
		return false
	}
	delete(t.owned, path)
	return true
}

func (t *Transient) checkLive() {
	if t.dead {
		panic("store: transient used after Persistent()")
	}
}
