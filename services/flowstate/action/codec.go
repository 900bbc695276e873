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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownAction is returned when decoding a type name that was never
	// registered.
	ErrUnknownAction = errors.New("unknown action type")

	// ErrMalformedAction is returned when an encoded action is not a
	// [TypeName, payload] pair or its payload does not decode.
	ErrMalformedAction = errors.New("malformed action")
)

type decodeFunc func(json.RawMessage) (Action, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]decodeFunc{}
)

func init() {
	Register[SetValue]()
	Register[SetValues]()
	Register[ToggleBool]()
	Register[AppendValue]()
	Register[PopValue]()
	Register[SetValueAt]()
	Register[InsertPair]()
	Register[ErasePair]()
	Register[ApplyPatch]()
	Register[ApplyExternalPatch]()
	Register[EraseNode]()
	Register[Undo]()
	Register[Redo]()
	Register[SetHistoryIndex]()
	Register[OpenProject]()
	Register[OpenEmptyProject]()
	Register[SaveProject]()
}

// Register makes action type A decodable under the name its Kind returns.
//
// Applications that define their own actions register them at init time.
// Registering the same name twice replaces the earlier entry.
func Register[A Action]() {
	var zero A
	name := zero.Kind()
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = func(raw json.RawMessage) (Action, error) {
		var a A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMalformedAction, name, err)
			}
		}
		return a, nil
	}
}

// Marshal encodes a as [TypeName, payload].
func Marshal(a Action) ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	name, err := json.Marshal(a.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(name)+len(payload)+3)
	out = append(out, '[')
	out = append(out, name...)
	out = append(out, ',')
	out = append(out, payload...)
	out = append(out, ']')
	return out, nil
}

// Unmarshal decodes an action written by Marshal.
func Unmarshal(data []byte) (Action, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAction, err)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: want [TypeName, payload], got %d elements", ErrMalformedAction, len(parts))
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return nil, fmt.Errorf("%w: type name: %w", ErrMalformedAction, err)
	}
	registryMu.RLock()
	decode, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return decode(parts[1])
}

// -----------------------------------------------------------------------------
// Gesture encoding
// -----------------------------------------------------------------------------

type entryJSON struct {
	Action      json.RawMessage `json:"action"`
	EnqueueTime time.Time       `json:"enqueue_time"`
}

type gestureJSON struct {
	Actions    []entryJSON `json:"actions"`
	CommitTime time.Time   `json:"commit_time"`
}

// MarshalJSON encodes an entry as {"action": [...], "enqueue_time": ...}.
func (e Entry) MarshalJSON() ([]byte, error) {
	raw, err := Marshal(e.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryJSON{Action: raw, EnqueueTime: e.QueueTime})
}

// UnmarshalJSON decodes an entry.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var j entryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("%w: entry: %w", ErrMalformedAction, err)
	}
	a, err := Unmarshal(j.Action)
	if err != nil {
		return err
	}
	*e = Entry{Action: a, QueueTime: j.EnqueueTime}
	return nil
}

// MarshalJSON encodes a gesture as {"actions": [...], "commit_time": ...}.
func (g Gesture) MarshalJSON() ([]byte, error) {
	j := gestureJSON{Actions: make([]entryJSON, 0, len(g.Entries)), CommitTime: g.CommitTime}
	for _, e := range g.Entries {
		raw, err := Marshal(e.Action)
		if err != nil {
			return nil, err
		}
		j.Actions = append(j.Actions, entryJSON{Action: raw, EnqueueTime: e.QueueTime})
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a gesture.
func (g *Gesture) UnmarshalJSON(data []byte) error {
	var j struct {
		Actions    []Entry   `json:"actions"`
		CommitTime time.Time `json:"commit_time"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*g = Gesture{Entries: j.Actions, CommitTime: j.CommitTime}
	return nil
}
