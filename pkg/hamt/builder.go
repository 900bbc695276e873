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

// Builder is the mutable counterpart of Map.
//
// Description:
//
//	Nodes created or copied by this builder carry its owner token and are
//	mutated in place on later writes. Nodes shared with the source Map are
//	copied on first write. Map() seals the builder.
//
// Thread Safety: NOT safe for concurrent use.
type Builder[V any] struct {
	root  *node[V]
	count int
	owner *owner
}

// Len returns the number of entries currently in the builder.
func (b *Builder[V]) Len() int {
	b.checkLive()
	return b.count
}

// Get returns the value stored under key, including unsealed edits.
func (b *Builder[V]) Get(key string) (V, bool) {
	b.checkLive()
	return lookup(b.root, Hash(key), key)
}

// Set binds key to val.
func (b *Builder[V]) Set(key string, val V) {
	b.checkLive()
	h := Hash(key)
	root := b.root
	if root == nil {
		root = &node[V]{owner: b.owner}
	}
	root, added := b.set(root, 0, h, key, val)
	b.root = root
	if added {
		b.count++
	}
}

// Delete removes key. It reports whether the key was present.
func (b *Builder[V]) Delete(key string) bool {
	b.checkLive()
	if b.root == nil {
		return false
	}
	root, removed := b.delete(b.root, 0, Hash(key), key)
	if !removed {
		return false
	}
	b.root = root
	b.count--
	return true
}

// Range calls fn for every entry until fn returns false.
func (b *Builder[V]) Range(fn func(key string, val V) bool) {
	b.checkLive()
	if b.root != nil {
		rangeNode(b.root, fn)
	}
}

// Map seals the builder and returns the resulting immutable map.
//
// The builder must not be used afterwards; doing so panics.
func (b *Builder[V]) Map() Map[V] {
	b.checkLive()
	m := Map[V]{root: b.root, count: b.count}
	if m.count == 0 {
		m.root = nil
	}
	b.owner = nil
	return m
}

func (b *Builder[V]) checkLive() {
	if b.owner == nil {
		panic("hamt: builder used after Map()")
	}
}

func (b *Builder[V]) editable(n *node[V]) *node[V] {
	if n.owner == b.owner {
		return n
	}
	slots := make([]slot[V], len(n.slots), len(n.slots)+1)
	copy(slots, n.slots)
	return &node[V]{bitmap: n.bitmap, slots: slots, owner: b.owner}
}

func (b *Builder[V]) set(n *node[V], shift uint, h uint64, key string, val V) (*node[V], bool) {
	bit := uint32(1) << ((h >> shift) & levelMask)
	idx := slotIndex(n.bitmap, bit)

	if n.bitmap&bit == 0 {
		n = b.editable(n)
		n.slots = append(n.slots, slot[V]{})
		copy(n.slots[idx+1:], n.slots[idx:])
		n.slots[idx] = slot[V]{bucket: &bucket[V]{hash: h, entries: []entry[V]{{key: key, val: val}}}}
		n.bitmap |= bit
		return n, true
	}

	s := n.slots[idx]
	switch {
	case s.child != nil:
		child, added := b.set(s.child, shift+bitsPerLevel, h, key, val)
		if child != s.child {
			n = b.editable(n)
			n.slots[idx].child = child
		}
		return n, added

	case s.bucket.hash == h:
		nb, added := s.bucket.with(key, val)
		n = b.editable(n)
		n.slots[idx].bucket = nb
		return n, added

	default:
		fresh := &bucket[V]{hash: h, entries: []entry[V]{{key: key, val: val}}}
		n = b.editable(n)
		n.slots[idx] = slot[V]{child: b.split(shift+bitsPerLevel, s.bucket, fresh)}
		return n, true
	}
}

// split builds the smallest subtree that separates two buckets with
// different hashes.
func (b *Builder[V]) split(shift uint, x, y *bucket[V]) *node[V] {
	xi := (x.hash >> shift) & levelMask
	yi := (y.hash >> shift) & levelMask
	n := &node[V]{owner: b.owner}
	if xi == yi {
		n.bitmap = 1 << xi
		n.slots = []slot[V]{{child: b.split(shift+bitsPerLevel, x, y)}}
		return n
	}
	n.bitmap = 1<<xi | 1<<yi
	if xi < yi {
		n.slots = []slot[V]{{bucket: x}, {bucket: y}}
	} else {
		n.slots = []slot[V]{{bucket: y}, {bucket: x}}
	}
	return n
}

func (b *Builder[V]) delete(n *node[V], shift uint, h uint64, key string) (*node[V], bool) {
	bit := uint32(1) << ((h >> shift) & levelMask)
	if n.bitmap&bit == 0 {
		return n, false
	}
	idx := slotIndex(n.bitmap, bit)
	s := n.slots[idx]

	if s.child != nil {
		child, removed := b.delete(s.child, shift+bitsPerLevel, h, key)
		if !removed {
			return n, false
		}
		n = b.editable(n)
		switch {
		case child == nil:
			n.removeSlot(idx, bit)
		case len(child.slots) == 1 && child.slots[0].bucket != nil:
			// Collapse single-bucket subtrees so equal contents keep a
			// comparable shape.
			n.slots[idx] = slot[V]{bucket: child.slots[0].bucket}
		default:
			n.slots[idx].child = child
		}
		return n.orNil(), true
	}

	if s.bucket.hash != h {
		return n, false
	}
	nb, removed := s.bucket.without(key)
	if !removed {
		return n, false
	}
	n = b.editable(n)
	if nb == nil {
		n.removeSlot(idx, bit)
	} else {
		n.slots[idx].bucket = nb
	}
	return n.orNil(), true
}

func (n *node[V]) removeSlot(idx int, bit uint32) {
	copy(n.slots[idx:], n.slots[idx+1:])
	n.slots[len(n.slots)-1] = slot[V]{}
	n.slots = n.slots[:len(n.slots)-1]
	n.bitmap &^= bit
}

func (n *node[V]) orNil() *node[V] {
	if len(n.slots) == 0 {
		return nil
	}
	return n
}

func (bk *bucket[V]) with(key string, val V) (*bucket[V], bool) {
	for i, e := range bk.entries {
		if e.key == key {
			entries := make([]entry[V], len(bk.entries))
			copy(entries, bk.entries)
			entries[i].val = val
			return &bucket[V]{hash: bk.hash, entries: entries}, false
		}
	}
	entries := make([]entry[V], len(bk.entries), len(bk.entries)+1)
	copy(entries, bk.entries)
	entries = append(entries, entry[V]{key: key, val: val})
	return &bucket[V]{hash: bk.hash, entries: entries}, true
}

func (bk *bucket[V]) without(key string) (*bucket[V], bool) {
	for i, e := range bk.entries {
		if e.key != key {
			continue
		}
		if len(bk.entries) == 1 {
			return nil, true
		}
		entries := make([]entry[V], 0, len(bk.entries)-1)
		entries = append(entries, bk.entries[:i]...)
		entries = append(entries, bk.entries[i+1:]...)
		return &bucket[V]{hash: bk.hash, entries: entries}, true
	}
	return bk, false
}
