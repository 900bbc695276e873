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

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intEq(a, b int) bool { return a == b }

func build(n int) Map[int] {
	b := Map[int]{}.Transient()
	for i := 0; i < n; i++ {
		b.Set(fmt.Sprintf("/k/%d", i), i)
	}
	return b.Map()
}

func changes(before, after Map[int]) []Change[int] {
	var out []Change[int]
	Diff(before, after, intEq, func(c Change[int]) { out = append(out, c) })
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func TestMap_ZeroValue(t *testing.T) {
	var m Map[int]
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get("/missing")
	assert.False(t, ok)
	assert.True(t, m.Same(m.Delete("/missing")))
}

func TestMap_SetGetDelete(t *testing.T) {
	m := build(5000)
	require.Equal(t, 5000, m.Len())

	for i := 0; i < 5000; i++ {
		v, ok := m.Get(fmt.Sprintf("/k/%d", i))
		require.True(t, ok, "key %d", i)
		require.Equal(t, i, v)
	}

	t.Run("set is persistent", func(t *testing.T) {
		m2 := m.Set("/k/10", -1)
		v, _ := m.Get("/k/10")
		assert.Equal(t, 10, v)
		v, _ = m2.Get("/k/10")
		assert.Equal(t, -1, v)
		assert.Equal(t, m.Len(), m2.Len())
	})

	t.Run("delete is persistent", func(t *testing.T) {
		m2 := m.Delete("/k/10")
		_, ok := m2.Get("/k/10")
		assert.False(t, ok)
		_, ok = m.Get("/k/10")
		assert.True(t, ok)
		assert.Equal(t, m.Len()-1, m2.Len())
	})

	t.Run("delete everything", func(t *testing.T) {
		b := m.Transient()
		for i := 0; i < 5000; i++ {
			require.True(t, b.Delete(fmt.Sprintf("/k/%d", i)))
		}
		assert.False(t, b.Delete("/k/0"))
		empty := b.Map()
		assert.Equal(t, 0, empty.Len())
		assert.Equal(t, 0, empty.depth())
		assert.Equal(t, 5000, m.Len())
	})
}

func TestBuilder_DoesNotLeakIntoSource(t *testing.T) {
	m := build(100)
	b := m.Transient()
	b.Set("/k/1", 100)
	b.Set("/new", 7)
	b.Delete("/k/2")

	v, _ := m.Get("/k/1")
	assert.Equal(t, 1, v)
	_, ok := m.Get("/new")
	assert.False(t, ok)
	_, ok = m.Get("/k/2")
	assert.True(t, ok)

	v, ok = b.Get("/new")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 100, b.Len())
}

func TestBuilder_PanicsAfterSeal(t *testing.T) {
	b := Map[int]{}.Transient()
	b.Set("/a", 1)
	_ = b.Map()
	assert.Panics(t, func() { b.Set("/b", 2) })
	assert.Panics(t, func() { b.Len() })
}

func TestBuilder_UntouchedIsSame(t *testing.T) {
	m := build(64)
	assert.True(t, m.Same(m.Transient().Map()))
}

func TestMap_Range(t *testing.T) {
	m := build(300)
	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Len(t, seen, 300)

	count := 0
	m.Range(func(string, int) bool {
		count++
		return count < 10
	})
	assert.Equal(t, 10, count)
}

func TestDiff(t *testing.T) {
	base := build(2000)

	t.Run("identical maps produce nothing", func(t *testing.T) {
		assert.Empty(t, changes(base, base))
		assert.Empty(t, changes(base, base.Transient().Map()))
	})

	t.Run("reports add remove replace", func(t *testing.T) {
		b := base.Transient()
		b.Set("/k/5", 500)
		b.Delete("/k/6")
		b.Set("/extra", 1)
		after := b.Map()

		got := changes(base, after)
		require.Len(t, got, 3)

		assert.Equal(t, Change[int]{Key: "/extra", After: 1, HasAfter: true}, got[0])
		assert.Equal(t, Change[int]{Key: "/k/5", Before: 5, HadBefore: true, After: 500, HasAfter: true}, got[1])
		assert.Equal(t, Change[int]{Key: "/k/6", Before: 6, HadBefore: true}, got[2])
	})

	t.Run("rewriting an equal value is not a change", func(t *testing.T) {
		after := base.Set("/k/9", 9)
		assert.Empty(t, changes(base, after))
	})

	t.Run("from and to empty", func(t *testing.T) {
		var empty Map[int]
		assert.Len(t, changes(empty, base), 2000)
		assert.Len(t, changes(base, empty), 2000)
	})

	t.Run("unrelated maps with equal content", func(t *testing.T) {
		assert.Empty(t, changes(build(500), build(500)))
	})

	t.Run("diff is antisymmetric", func(t *testing.T) {
		after := base.Delete("/k/1").Set("/k/2", -2).Set("/z", 0)
		fwd := changes(base, after)
		back := changes(after, base)
		require.Len(t, back, len(fwd))
		for i := range fwd {
			assert.Equal(t, fwd[i].Key, back[i].Key)
			assert.Equal(t, fwd[i].HadBefore, back[i].HasAfter)
			assert.Equal(t, fwd[i].Before, back[i].After)
		}
	})
}

func TestBucket_Collisions(t *testing.T) {
	// Equal full hashes cannot be produced on demand, so exercise the
	// bucket helpers directly.
	bk := &bucket[int]{hash: 42, entries: []entry[int]{{key: "a", val: 1}}}

	nb, added := bk.with("b", 2)
	assert.True(t, added)
	assert.Len(t, nb.entries, 2)
	assert.Len(t, bk.entries, 1)

	nb2, added := nb.with("a", 10)
	assert.False(t, added)
	assert.Equal(t, 10, nb2.entries[0].val)
	assert.Equal(t, 1, nb.entries[0].val)

	rm, removed := nb2.without("a")
	assert.True(t, removed)
	assert.Equal(t, []entry[int]{{key: "b", val: 2}}, rm.entries)

	_, removed = rm.without("zzz")
	assert.False(t, removed)

	gone, removed := rm.without("b")
	assert.True(t, removed)
	assert.Nil(t, gone)
}
