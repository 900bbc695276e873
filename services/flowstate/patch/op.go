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
	"fmt"

	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// OpKind names one primitive change.
type OpKind uint8

const (
	// Scalars.
	OpAdd OpKind = iota + 1
	OpRemove
	OpReplace

	// Sequences.
	OpAppend
	OpPop
	OpSetAt

	// Sets.
	OpInsert
	OpErase
)

var opNames = map[OpKind]string{
	OpAdd:     "add",
	OpRemove:  "remove",
	OpReplace: "replace",
	OpAppend:  "append",
	OpPop:     "pop",
	OpSetAt:   "set_at",
	OpInsert:  "insert",
	OpErase:   "erase",
}

// String returns the wire name of the op kind.
func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

// Op is one primitive change at a path.
//
// Every Op carries both sides of the change, so it can be reversed without
// consulting the store it was computed from:
//
//	Add      Value
//	Remove   Old
//	Replace  Value, Old
//	Append   Value, Index (position the value lands at)
//	Pop      Old, Index (position the value left)
//	SetAt    Value, Old, Index
//	Insert   Pair
//	Erase    Pair
type Op struct {
	Kind  OpKind
	Value store.Value
	Old   store.Value
	Index int
	Pair  store.Pair
}

// Add registers a scalar.
func Add(v store.Value) Op { return Op{Kind: OpAdd, Value: v} }

// Remove unregisters a scalar whose value was old.
func Remove(old store.Value) Op { return Op{Kind: OpRemove, Old: old} }

// Replace overwrites a scalar.
func Replace(v, old store.Value) Op { return Op{Kind: OpReplace, Value: v, Old: old} }

// Append adds v at position i, which must be the sequence length.
func Append(i int, v store.Value) Op { return Op{Kind: OpAppend, Value: v, Index: i} }

// Pop removes old from position i, which must be the last position.
func Pop(i int, old store.Value) Op { return Op{Kind: OpPop, Old: old, Index: i} }

// SetAt overwrites position i.
func SetAt(i int, v, old store.Value) Op { return Op{Kind: OpSetAt, Value: v, Old: old, Index: i} }

// Insert adds a set member.
func Insert(p store.Pair) Op { return Op{Kind: OpInsert, Pair: p} }

// Erase removes a set member.
func Erase(p store.Pair) Op { return Op{Kind: OpErase, Pair: p} }

// Reverse returns the op that undoes o.
func (o Op) Reverse() Op {
	switch o.Kind {
	case OpAdd:
		return Remove(o.Value)
	case OpRemove:
		return Add(o.Old)
	case OpReplace:
		return Replace(o.Old, o.Value)
	case OpAppend:
		return Pop(o.Index, o.Value)
	case OpPop:
		return Append(o.Index, o.Old)
	case OpSetAt:
		return SetAt(o.Index, o.Old, o.Value)
	case OpInsert:
		return Erase(o.Pair)
	case OpErase:
		return Insert(o.Pair)
	default:
		return o
	}
}

// String renders the op for logs.
func (o Op) String() string {
	switch o.Kind {
	case OpAdd, OpAppend:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Value)
	case OpRemove, OpPop:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Old)
	case OpReplace:
		return fmt.Sprintf("%s(%v, old=%v)", o.Kind, o.Value, o.Old)
	case OpSetAt:
		return fmt.Sprintf("%s[%d](%v, old=%v)", o.Kind, o.Index, o.Value, o.Old)
	case OpInsert, OpErase:
		return fmt.Sprintf("%s(%v, %v)", o.Kind, o.Pair.First, o.Pair.Second)
	default:
		return o.Kind.String()
	}
}

// category returns which store category the op acts on.
func (o Op) category() store.Category {
	switch o.Kind {
	case OpAdd, OpRemove, OpReplace:
		return store.CategoryScalar
	case OpAppend, OpPop, OpSetAt:
		return store.CategorySequence
	case OpInsert, OpErase:
		return store.CategorySet
	default:
		return store.CategoryNone
	}
}
