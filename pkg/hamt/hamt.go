// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hamt provides a persistent, structurally-shared hash array mapped
// trie keyed by strings.
//
// # Description
//
// A Map is an immutable value: Set and Delete return a new Map that shares
// every untouched node with the original. Batches of edits go through a
// Builder, which owns the nodes it has already copied and mutates them in
// place, so a batch touching k keys allocates O(k·log32 n) nodes once rather
// than once per edit.
//
// Two maps derived from a common ancestor share subtrees by pointer. Diff
// exploits that: identical subtrees are skipped without being visited, so the
// cost of a diff is proportional to what changed, not to the size of the map.
//
// # Thread Safety
//
// Map values are safe for concurrent reads. A Builder is NOT safe for
// concurrent use and must not be used after Map() is called.
package hamt

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const (
	bitsPerLevel = 5
	levelMask    = 1<<bitsPerLevel - 1
)

// owner marks the nodes a Builder may mutate in place.
// It must not be zero-sized: distinct builders need distinct pointers.
type owner struct{ _ byte }

type entry[V any] struct {
	key string
	val V
}

// bucket holds every entry whose key hashes to the same 64-bit value.
// Buckets are never mutated after creation.
type bucket[V any] struct {
	hash    uint64
	entries []entry[V]
}

type slot[V any] struct {
	child  *node[V]
	bucket *bucket[V]
}

type node[V any] struct {
	bitmap uint32
	slots  []slot[V]
	owner  *owner
}

// Map is an immutable string-keyed map with structural sharing.
//
// The zero value is an empty map ready to use.
type Map[V any] struct {
	root  *node[V]
	count int
}

// Hash returns the hash used to place key in the trie.
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Len returns the number of entries.
func (m Map[V]) Len() int {
	return m.count
}

// Get returns the value stored under key.
func (m Map[V]) Get(key string) (V, bool) {
	return lookup(m.root, Hash(key), key)
}

// Set returns a map with key bound to val.
func (m Map[V]) Set(key string, val V) Map[V] {
	b := m.Transient()
	b.Set(key, val)
	return b.Map()
}

// Delete returns a map without key. The receiver is returned unchanged when
// key is absent.
func (m Map[V]) Delete(key string) Map[V] {
	if _, ok := m.Get(key); !ok {
		return m
	}
	b := m.Transient()
	b.Delete(key)
	return b.Map()
}

// Range calls fn for every entry in hash order until fn returns false.
func (m Map[V]) Range(fn func(key string, val V) bool) {
	if m.root != nil {
		rangeNode(m.root, fn)
	}
}

// Same reports whether both maps share the same root, which implies equal
// contents.
func (m Map[V]) Same(other Map[V]) bool {
	return m.root == other.root
}

// Transient returns a Builder seeded with the contents of m.
//
// Description:
//
//	O(1). The builder shares every node with m until it writes to it.
//	Edits made through the builder are never visible through m.
func (m Map[V]) Transient() *Builder[V] {
	return &Builder[V]{
		root:  m.root,
		count: m.count,
		owner: &owner{},
	}
}

func lookup[V any](n *node[V], h uint64, key string) (V, bool) {
	var zero V
	for shift := uint(0); n != nil; shift += bitsPerLevel {
		bit := uint32(1) << ((h >> shift) & levelMask)
		if n.bitmap&bit == 0 {
			return zero, false
		}
		s := n.slots[slotIndex(n.bitmap, bit)]
		if s.child != nil {
			n = s.child
			continue
		}
		if s.bucket.hash != h {
			return zero, false
		}
		for _, e := range s.bucket.entries {
			if e.key == key {
				return e.val, true
			}
		}
		return zero, false
	}
	return zero, false
}

func rangeNode[V any](n *node[V], fn func(string, V) bool) bool {
	for _, s := range n.slots {
		if s.child != nil {
			if !rangeNode(s.child, fn) {
				return false
			}
			continue
		}
		for _, e := range s.bucket.entries {
			if !fn(e.key, e.val) {
				return false
			}
		}
	}
	return true
}

func slotIndex(bitmap, bit uint32) int {
	return bits.OnesCount32(bitmap & (bit - 1))
}
