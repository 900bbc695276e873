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

// History and project actions are never savable and always seal the open
// gesture. The dispatcher flushes the pending store segment before it runs
// them.

// Undo steps the history cursor back.
type Undo struct{}

func (Undo) Kind() string             { return "Undo" }
func (Undo) Savable() bool            { return false }
func (Undo) MergePolicy() MergePolicy { return NoMerge }
func (Undo) Domain() Domain           { return DomainHistory }
func (Undo) ForcesCommit() bool       { return true }

// Redo steps the history cursor forward.
type Redo struct{}

func (Redo) Kind() string             { return "Redo" }
func (Redo) Savable() bool            { return false }
func (Redo) MergePolicy() MergePolicy { return NoMerge }
func (Redo) Domain() Domain           { return DomainHistory }
func (Redo) ForcesCommit() bool       { return true }

// SetHistoryIndex jumps the history cursor.
type SetHistoryIndex struct {
	Index int `json:"index"`
}

func (SetHistoryIndex) Kind() string             { return "SetHistoryIndex" }
func (SetHistoryIndex) Savable() bool            { return false }
func (SetHistoryIndex) MergePolicy() MergePolicy { return NoMerge }
func (SetHistoryIndex) Domain() Domain           { return DomainHistory }
func (SetHistoryIndex) ForcesCommit() bool       { return true }

// OpenProject loads a state or replay file, chosen by extension.
type OpenProject struct {
	Path string `json:"path"`
}

func (OpenProject) Kind() string             { return "OpenProject" }
func (OpenProject) Savable() bool            { return false }
func (OpenProject) MergePolicy() MergePolicy { return NoMerge }
func (OpenProject) Domain() Domain           { return DomainProject }
func (OpenProject) ForcesCommit() bool       { return true }

// OpenEmptyProject resets to the empty store with a fresh history.
type OpenEmptyProject struct{}

func (OpenEmptyProject) Kind() string             { return "OpenEmptyProject" }
func (OpenEmptyProject) Savable() bool            { return false }
func (OpenEmptyProject) MergePolicy() MergePolicy { return NoMerge }
func (OpenEmptyProject) Domain() Domain           { return DomainProject }
func (OpenEmptyProject) ForcesCommit() bool       { return true }

// SaveProject writes the current state or history, chosen by extension.
type SaveProject struct {
	Path string `json:"path"`
}

func (SaveProject) Kind() string             { return "SaveProject" }
func (SaveProject) Savable() bool            { return false }
func (SaveProject) MergePolicy() MergePolicy { return NoMerge }
func (SaveProject) Domain() Domain           { return DomainProject }
func (SaveProject) ForcesCommit() bool       { return true }
