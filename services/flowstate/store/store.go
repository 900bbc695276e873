// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the immutable state snapshot and its batch editor.
//
// # Description
//
// A Store maps Paths to one of three categories of leaf:
//
//   - scalars: a single Value
//   - sequences: an ordered []Value
//   - sets: an unordered PairSet
//
// Each category is a persistent hash trie, so deriving a new Store that
// touches k paths costs O(k·log32 n) and leaves the source intact. Edits go
// through a Transient obtained from Store.Transient and are published with
// Transient.Persistent.
//
// # Thread Safety
//
// A published *Store is never mutated and may be read from any goroutine.
// A Transient belongs to the goroutine that created it.
package store

import (
	"slices"

	"github.com/AleutianAI/flowstate/pkg/hamt"
)

// Category is the kind of leaf stored at a path.
type Category uint8

const (
	CategoryNone Category = iota
	CategoryScalar
	CategorySequence
	CategorySet
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryScalar:
		return "scalar"
	case CategorySequence:
		return "sequence"
	case CategorySet:
		return "set"
	default:
		return "none"
	}
}

// Reader is the read side shared by Store and Transient.
type Reader interface {
	Lookup(path Path) (Value, bool)
	Seq(path Path) ([]Value, bool)
	Set(path Path) (PairSet, bool)
	Category(path Path) Category
	HasUnder(prefix Path) bool
}

var (
	_ Reader = (*Store)(nil)
	_ Reader = (*Transient)(nil)
)

// Store is an immutable, structurally-shared snapshot of all state.
type Store struct {
	values hamt.Map[Value]
	seqs   hamt.Map[[]Value]
	sets   hamt.Map[PairSet]
}

var empty = &Store{}

// Empty returns the canonical empty store.
func Empty() *Store {
	return empty
}

// Len returns the number of registered paths across all categories.
func (s *Store) Len() int {
	return s.values.Len() + s.seqs.Len() + s.sets.Len()
}

// Get returns the scalar at path.
//
// Outputs:
//
//	Value - The stored value.
//	error - ErrNotFound if nothing is registered at path, ErrKindMismatch
//	        if path holds a sequence or set.
func (s *Store) Get(path Path) (Value, error) {
	if v, ok := s.values.Get(string(path)); ok {
		return v, nil
	}
	if s.Category(path) != CategoryNone {
		return Value{}, ErrKindMismatch
	}
	return Value{}, ErrNotFound
}

// Lookup returns the scalar at path.
func (s *Store) Lookup(path Path) (Value, bool) {
	return s.values.Get(string(path))
}

// Seq returns the sequence at path. The slice must not be modified.
func (s *Store) Seq(path Path) ([]Value, bool) {
	return s.seqs.Get(string(path))
}

// Set returns the pair set at path.
func (s *Store) Set(path Path) (PairSet, bool) {
	return s.sets.Get(string(path))
}

// Category reports what is registered at path.
func (s *Store) Category(path Path) Category {
	return category(path, s.values.Get, s.seqs.Get, s.sets.Get)
}

// Has reports whether anything is registered at path.
func (s *Store) Has(path Path) bool {
	return s.Category(path) != CategoryNone
}

// HasUnder reports whether anything is registered at or beneath prefix.
func (s *Store) HasUnder(prefix Path) bool {
	return hasUnder(prefix, s.values.Range, s.seqs.Range, s.sets.Range)
}

// RangeValues calls fn for each scalar in unspecified order.
func (s *Store) RangeValues(fn func(Path, Value) bool) {
	s.values.Range(func(k string, v Value) bool { return fn(Path(k), v) })
}

// RangeSeqs calls fn for each sequence in unspecified order.
func (s *Store) RangeSeqs(fn func(Path, []Value) bool) {
	s.seqs.Range(func(k string, v []Value) bool { return fn(Path(k), v) })
}

// RangeSets calls fn for each set in unspecified order.
func (s *Store) RangeSets(fn func(Path, PairSet) bool) {
	s.sets.Range(func(k string, v PairSet) bool { return fn(Path(k), v) })
}

// Paths returns every registered path in ComparePaths order.
func (s *Store) Paths() []Path {
	out := make([]Path, 0, s.Len())
	collect := func(k string) bool {
		out = append(out, Path(k))
		return true
	}
	s.values.Range(func(k string, _ Value) bool { return collect(k) })
	s.seqs.Range(func(k string, _ []Value) bool { return collect(k) })
	s.sets.Range(func(k string, _ PairSet) bool { return collect(k) })
	slices.SortFunc(out, ComparePaths)
	return out
}

// Transient returns a batch editor seeded with s. O(1).
//
// Only one live Transient per Store is expected; the dispatcher guarantees
// this by creating one per tick segment.
func (s *Store) Transient() *Transient {
	return &Transient{
		values: s.values.Transient(),
		seqs:   s.seqs.Transient(),
		sets:   s.sets.Transient(),
		owned:  make(map[Path]struct{}),
	}
}

// Edit runs fn against a fresh Transient and returns the sealed result.
func (s *Store) Edit(fn func(t *Transient)) *Store {
	t := s.Transient()
	fn(t)
	return t.Persistent()
}

// Equal reports whether two stores hold the same leaves.
func Equal(a, b *Store) bool {
	if a == b {
		return true
	}
	if a.values.Len() != b.values.Len() || a.seqs.Len() != b.seqs.Len() || a.sets.Len() != b.sets.Len() {
		return false
	}
	equal := true
	mark := func(hamt.Change[Value]) { equal = false }
	hamt.Diff(a.values, b.values, Value.Equal, mark)
	if !equal {
		return false
	}
	hamt.Diff(a.seqs, b.seqs, seqEqual, func(hamt.Change[[]Value]) { equal = false })
	if !equal {
		return false
	}
	hamt.Diff(a.sets, b.sets, PairSet.Equal, func(hamt.Change[PairSet]) { equal = false })
	return equal
}

// DiffValues reports scalar changes between two stores.
func DiffValues(a, b *Store, fn func(hamt.Change[Value])) {
	hamt.Diff(a.values, b.values, Value.Equal, fn)
}

// DiffSeqs reports sequence changes between two stores.
func DiffSeqs(a, b *Store, fn func(hamt.Change[[]Value])) {
	hamt.Diff(a.seqs, b.seqs, seqEqual, fn)
}

// DiffSets reports set changes between two stores.
func DiffSets(a, b *Store, fn func(hamt.Change[PairSet])) {
	hamt.Diff(a.sets, b.sets, PairSet.Equal, fn)
}

func category(
	path Path,
	values func(string) (Value, bool),
	seqs func(string) ([]Value, bool),
	sets func(string) (PairSet, bool),
) Category {
	k := string(path)
	if _, ok := values(k); ok {
		return CategoryScalar
	}
	if _, ok := seqs(k); ok {
		return CategorySequence
	}
	if _, ok := sets(k); ok {
		return CategorySet
	}
	return CategoryNone
}

func seqEqual(a, b []Value) bool {
	return slices.Equal(a, b)
}

func hasUnder(
	prefix Path,
	values func(func(string, Value) bool),
	seqs func(func(string, []Value) bool),
	sets func(func(string, PairSet) bool),
) bool {
	found := false
	match := func(k string) bool {
		found = Path(k).HasPrefix(prefix)
		return !found
	}
	values(func(k string, _ Value) bool { return match(k) })
	if !found {
		seqs(func(k string, _ []Value) bool { return match(k) })
	}
	if !found {
		sets(func(k string, _ PairSet) bool { return match(k) })
	}
	return found
}
