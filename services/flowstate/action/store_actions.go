// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"slices"

	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// -----------------------------------------------------------------------------
// Primitive
// -----------------------------------------------------------------------------

// SetValue binds a scalar.
type SetValue struct {
	Path  store.Path  `json:"path"`
	Value store.Value `json:"value"`
}

func (SetValue) Kind() string             { return "SetValue" }
func (SetValue) Savable() bool            { return true }
func (SetValue) MergePolicy() MergePolicy { return AlwaysMerge }
func (SetValue) Domain() Domain           { return DomainPrimitive }

func (a SetValue) SameSlot(next Action) bool {
	n, ok := next.(SetValue)
	return ok && n.Path == a.Path
}

// PathValue is one binding of a SetValues action.
type PathValue struct {
	Path  store.Path  `json:"path"`
	Value store.Value `json:"value"`
}

// SetValues binds several scalars at once.
type SetValues struct {
	Values []PathValue `json:"values"`
}

func (SetValues) Kind() string             { return "SetValues" }
func (SetValues) Savable() bool            { return true }
func (SetValues) MergePolicy() MergePolicy { return AlwaysMerge }
func (SetValues) Domain() Domain           { return DomainPrimitive }

// SameSlot reports whether next writes exactly the same set of paths.
func (a SetValues) SameSlot(next Action) bool {
	n, ok := next.(SetValues)
	if !ok || len(n.Values) != len(a.Values) {
		return false
	}
	return slices.Equal(a.paths(), n.paths())
}

func (a SetValues) paths() []store.Path {
	out := make([]store.Path, len(a.Values))
	for i, pv := range a.Values {
		out[i] = pv.Path
	}
	slices.Sort(out)
	return out
}

// ToggleBool flips a bool scalar. Two adjacent toggles of the same path
// cancel, and a toggle seals the gesture it lands in.
type ToggleBool struct {
	Path store.Path `json:"path"`
}

func (ToggleBool) Kind() string             { return "ToggleBool" }
func (ToggleBool) Savable() bool            { return true }
func (ToggleBool) MergePolicy() MergePolicy { return CustomMerge }
func (ToggleBool) Domain() Domain           { return DomainPrimitive }
func (ToggleBool) ForcesCommit() bool       { return true }

func (a ToggleBool) MergeWith(next Action) MergeResult {
	if n, ok := next.(ToggleBool); ok && n.Path == a.Path {
		return MergeResult{Outcome: Cancel}
	}
	return MergeResult{Outcome: CannotMerge}
}

// -----------------------------------------------------------------------------
// Vector
// -----------------------------------------------------------------------------

// AppendValue pushes onto a sequence, creating it if needed.
type AppendValue struct {
	Path  store.Path  `json:"path"`
	Value store.Value `json:"value"`
}

func (AppendValue) Kind() string             { return "AppendValue" }
func (AppendValue) Savable() bool            { return true }
func (AppendValue) MergePolicy() MergePolicy { return NoMerge }
func (AppendValue) Domain() Domain           { return DomainVector }

// PopValue removes the last element of a sequence.
type PopValue struct {
	Path store.Path `json:"path"`
}

func (PopValue) Kind() string             { return "PopValue" }
func (PopValue) Savable() bool            { return true }
func (PopValue) MergePolicy() MergePolicy { return NoMerge }
func (PopValue) Domain() Domain           { return DomainVector }

// SetValueAt overwrites one sequence element.
type SetValueAt struct {
	Path  store.Path  `json:"path"`
	Index int         `json:"index"`
	Value store.Value `json:"value"`
}

func (SetValueAt) Kind() string             { return "SetValueAt" }
func (SetValueAt) Savable() bool            { return true }
func (SetValueAt) MergePolicy() MergePolicy { return AlwaysMerge }
func (SetValueAt) Domain() Domain           { return DomainVector }

func (a SetValueAt) SameSlot(next Action) bool {
	n, ok := next.(SetValueAt)
	return ok && n.Path == a.Path && n.Index == a.Index
}

// -----------------------------------------------------------------------------
// Set
// -----------------------------------------------------------------------------

// InsertPair adds a set member.
type InsertPair struct {
	Path store.Path `json:"path"`
	Pair store.Pair `json:"pair"`
}

func (InsertPair) Kind() string             { return "InsertPair" }
func (InsertPair) Savable() bool            { return true }
func (InsertPair) MergePolicy() MergePolicy { return CustomMerge }
func (InsertPair) Domain() Domain           { return DomainSet }

func (a InsertPair) MergeWith(next Action) MergeResult {
	if n, ok := next.(ErasePair); ok && n.Path == a.Path && n.Pair == a.Pair {
		return MergeResult{Outcome: Cancel}
	}
	return MergeResult{Outcome: CannotMerge}
}

// ErasePair removes a set member.
type ErasePair struct {
	Path store.Path `json:"path"`
	Pair store.Pair `json:"pair"`
}

func (ErasePair) Kind() string             { return "ErasePair" }
func (ErasePair) Savable() bool            { return true }
func (ErasePair) MergePolicy() MergePolicy { return CustomMerge }
func (ErasePair) Domain() Domain           { return DomainSet }

func (a ErasePair) MergeWith(next Action) MergeResult {
	if n, ok := next.(InsertPair); ok && n.Path == a.Path && n.Pair == a.Pair {
		return MergeResult{Outcome: Cancel}
	}
	return MergeResult{Outcome: CannotMerge}
}

// -----------------------------------------------------------------------------
// Patch
// -----------------------------------------------------------------------------

// ApplyPatch replays a patch as an undoable edit. Adjacent patch actions
// compose; a composition that changes nothing cancels.
type ApplyPatch struct {
	Patch patch.Patch `json:"patch"`
}

func (ApplyPatch) Kind() string             { return "ApplyPatch" }
func (ApplyPatch) Savable() bool            { return true }
func (ApplyPatch) MergePolicy() MergePolicy { return CustomMerge }
func (ApplyPatch) Domain() Domain           { return DomainPatch }

func (a ApplyPatch) MergeWith(next Action) MergeResult {
	n, ok := next.(ApplyPatch)
	if !ok {
		return MergeResult{Outcome: CannotMerge}
	}
	composed := a.Patch.Compose(n.Patch)
	if composed.IsEmpty() {
		return MergeResult{Outcome: Cancel}
	}
	return ReplaceWith(ApplyPatch{Patch: composed})
}

// ApplyExternalPatch injects state owned outside the core. It edits the
// store and is diffed like any other action but never enters a gesture.
type ApplyExternalPatch struct {
	Patch patch.Patch `json:"patch"`
}

func (ApplyExternalPatch) Kind() string             { return "ApplyExternalPatch" }
func (ApplyExternalPatch) Savable() bool            { return false }
func (ApplyExternalPatch) MergePolicy() MergePolicy { return NoMerge }
func (ApplyExternalPatch) Domain() Domain           { return DomainPatch }

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// EraseNode destroys the state node at Path together with its descendants.
// When no node is registered there, every path under Path is erased.
type EraseNode struct {
	Path store.Path `json:"path"`
}

func (EraseNode) Kind() string             { return "EraseNode" }
func (EraseNode) Savable() bool            { return true }
func (EraseNode) MergePolicy() MergePolicy { return NoMerge }
func (EraseNode) Domain() Domain           { return DomainNode }
