// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package action defines the mutation requests accepted by the dispatcher
// and the rules for compacting them into gestures.
//
// # Description
//
// An Action is plain data describing one intent ("set /volume to 0.7",
// "undo"). Actions do not apply themselves: the dispatcher routes each one
// to the sub-dispatcher for its Domain, which checks admissibility and
// mutates the store.
//
// Savable actions are recorded in the open Gesture. When a gesture is
// sealed, Merge folds adjacent entries according to each action's
// MergePolicy so that, for example, a slider drag of fifty SetValue actions
// is stored as one.
//
// # Thread Safety
//
// Actions are immutable values and safe to share between goroutines.
package action

// Domain selects the sub-dispatcher that handles an action.
type Domain uint8

const (
	DomainPrimitive Domain = iota + 1
	DomainVector
	DomainSet
	DomainPatch
	DomainNode
	DomainHistory
	DomainProject
)

// String returns the domain name.
func (d Domain) String() string {
	switch d {
	case DomainPrimitive:
		return "primitive"
	case DomainVector:
		return "vector"
	case DomainSet:
		return "set"
	case DomainPatch:
		return "patch"
	case DomainNode:
		return "node"
	case DomainHistory:
		return "history"
	case DomainProject:
		return "project"
	default:
		return "unknown"
	}
}

// MutatesStore reports whether actions of this domain edit the live store
// within a tick segment.
func (d Domain) MutatesStore() bool {
	return d >= DomainPrimitive && d <= DomainNode
}

// MergePolicy says how an action combines with the one that follows it.
type MergePolicy uint8

const (
	// NoMerge keeps the action as its own gesture entry.
	NoMerge MergePolicy = iota

	// AlwaysMerge keeps only the later of two actions that target the same
	// slot (see SameSlot).
	AlwaysMerge

	// CustomMerge defers to the action's MergeWith.
	CustomMerge
)

// Action is one state-mutating intent.
type Action interface {
	// Kind is the registered type name used in the JSON encoding.
	Kind() string

	// Savable reports whether the action is recorded in gestures.
	Savable() bool

	MergePolicy() MergePolicy
	Domain() Domain
}

// SameSlot is implemented by AlwaysMerge actions.
type SameSlot interface {
	SameSlot(next Action) bool
}

// Merger is implemented by CustomMerge actions.
type Merger interface {
	MergeWith(next Action) MergeResult
}

// Committer is implemented by actions that seal the open gesture at the end
// of the tick that applied them.
type Committer interface {
	ForcesCommit() bool
}

// Outcome is the result of a custom merge.
type Outcome uint8

const (
	// CannotMerge keeps both actions.
	CannotMerge Outcome = iota

	// Replace substitutes MergeResult.Action for both.
	Replace

	// Cancel drops both.
	Cancel
)

// MergeResult is returned by Merger.MergeWith.
type MergeResult struct {
	Outcome Outcome
	Action  Action
}

// ReplaceWith is a shorthand for a Replace result.
func ReplaceWith(a Action) MergeResult {
	return MergeResult{Outcome: Replace, Action: a}
}

// ForcesCommit reports whether a seals the gesture when applied.
func ForcesCommit(a Action) bool {
	c, ok := a.(Committer)
	return ok && c.ForcesCommit()
}
