// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
)

// Replay is the content of an action replay file.
type Replay struct {
	// Gestures are the sealed gestures of history records 1..n, in order.
	Gestures []action.Gesture `json:"gestures"`

	// Index is the history cursor, in [0, len(Gestures)].
	Index int `json:"index"`
}

// EncodeReplay writes r as indented JSON.
func EncodeReplay(r Replay) ([]byte, error) {
	if r.Gestures == nil {
		r.Gestures = []action.Gesture{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode replay: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeReplay parses an action replay.
//
// Every action must be registered and the index must address one of the
// records the gestures would produce.
func DecodeReplay(data []byte) (Replay, error) {
	var r Replay
	if err := json.Unmarshal(data, &r); err != nil {
		return Replay{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if r.Index < 0 || r.Index > len(r.Gestures) {
		return Replay{}, fmt.Errorf("%w: index %d not in [0, %d]", ErrMalformed, r.Index, len(r.Gestures))
	}
	for i, g := range r.Gestures {
		for j, e := range g.Entries {
			if !e.Action.Savable() {
				return Replay{}, fmt.Errorf("%w: gesture %d entry %d: %s is not savable",
					ErrMalformed, i, j, e.Action.Kind())
			}
		}
	}
	return r, nil
}
