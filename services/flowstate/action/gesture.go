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

import "time"

// Entry is one applied action with the time it was enqueued.
type Entry struct {
	Action    Action
	QueueTime time.Time
}

// Gesture is an ordered run of savable actions that is undone as one.
//
// CommitTime is zero while the gesture is open.
type Gesture struct {
	Entries    []Entry
	CommitTime time.Time
}

// Len returns the number of entries.
func (g Gesture) Len() int { return len(g.Entries) }

// IsEmpty reports whether the gesture holds no entries.
func (g Gesture) IsEmpty() bool { return len(g.Entries) == 0 }

// Sealed reports whether the gesture has been committed.
func (g Gesture) Sealed() bool { return !g.CommitTime.IsZero() }

// Actions returns the actions in order.
func (g Gesture) Actions() []Action {
	out := make([]Action, len(g.Entries))
	for i, e := range g.Entries {
		out[i] = e.Action
	}
	return out
}

// Merge compacts a gesture by folding adjacent entries.
//
// Description:
//
//	Walks entries left to right holding one accumulator:
//	  - NoMerge: the accumulator is flushed and the next entry becomes it.
//	  - AlwaysMerge: when the next entry targets the same slot, it replaces
//	    the accumulator (last write wins, keeping its queue time).
//	  - CustomMerge: the accumulator's MergeWith decides. Replace swaps in
//	    the merged action, Cancel drops both and the entry after starts a
//	    fresh accumulator, CannotMerge flushes.
//	The final accumulator is flushed. Only adjacent pairs are considered.
//
// Inputs:
//   - g: The gesture to compact. It is not modified.
//
// Outputs:
//   - Gesture: The compacted gesture with g's CommitTime.
func Merge(g Gesture) Gesture {
	out := Gesture{CommitTime: g.CommitTime}
	var acc *Entry

	for i := range g.Entries {
		next := g.Entries[i]
		if acc == nil {
			acc = &next
			continue
		}
		switch acc.Action.MergePolicy() {
		case AlwaysMerge:
			if s, ok := acc.Action.(SameSlot); ok && s.SameSlot(next.Action) {
				acc = &next
				continue
			}
		case CustomMerge:
			if m, ok := acc.Action.(Merger); ok {
				res := m.MergeWith(next.Action)
				switch res.Outcome {
				case Replace:
					acc = &Entry{Action: res.Action, QueueTime: next.QueueTime}
					continue
				case Cancel:
					acc = nil
					continue
				}
			}
		}
		out.Entries = append(out.Entries, *acc)
		acc = &next
	}
	if acc != nil {
		out.Entries = append(out.Entries, *acc)
	}
	return out
}
