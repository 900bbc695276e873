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
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Pair is one member of an unordered relation, such as a connection
// between two ports.
type Pair struct {
	First  Value
	Second Value
}

// MakePair is a shorthand constructor.
func MakePair(first, second Value) Pair {
	return Pair{First: first, Second: second}
}

// ComparePairs orders pairs by First, then Second.
func ComparePairs(a, b Pair) int {
	if c := CompareValues(a.First, b.First); c != 0 {
		return c
	}
	return CompareValues(a.Second, b.Second)
}

// MarshalJSON encodes the pair as a two-element array.
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]Value{p.First, p.Second})
}

// UnmarshalJSON decodes a two-element array.
func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw []Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal pair: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("unmarshal pair: want 2 elements, got %d: %w", len(raw), ErrInvalidValue)
	}
	p.First, p.Second = raw[0], raw[1]
	return nil
}

// PairSet is an immutable set of pairs.
//
// The zero value is an empty set. Sets reachable from a Store are never
// mutated; a Transient copies a set before its first edit in a batch.
type PairSet struct {
	m map[Pair]struct{}
}

// NewPairSet builds a set from pairs. Duplicates collapse.
func NewPairSet(pairs ...Pair) PairSet {
	m := make(map[Pair]struct{}, len(pairs))
	for _, p := range pairs {
		m[p] = struct{}{}
	}
	return PairSet{m: m}
}

// Len returns the number of members.
func (s PairSet) Len() int { return len(s.m) }

// Has reports membership.
func (s PairSet) Has(p Pair) bool {
	_, ok := s.m[p]
	return ok
}

// Sorted returns the members in ComparePairs order.
func (s PairSet) Sorted() []Pair {
	out := slices.Collect(maps.Keys(s.m))
	slices.SortFunc(out, ComparePairs)
	return out
}

// Equal reports whether both sets hold the same members.
func (s PairSet) Equal(o PairSet) bool {
	return maps.Equal(s.m, o.m)
}

func (s PairSet) clone() PairSet {
	m := make(map[Pair]struct{}, len(s.m)+1)
	maps.Copy(m, s.m)
	return PairSet{m: m}
}
