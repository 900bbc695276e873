// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project reads and writes the two persisted file formats.
//
// # Description
//
// A state snapshot (".fls") is a flat JSON object mapping each Path to its
// leaf:
//
//	{
//	  "/muted":  false,
//	  "/seq":    [1, 2, 3],
//	  "/links":  {"set": [["a", "b"]]},
//	  "/count":  {"u64": 7},
//	  "/volume": 0.5
//	}
//
// An action replay (".fla") stores every sealed gesture of a history plus
// the cursor, so loading it rebuilds the same undo stack:
//
//	{"gestures": [{"actions": [{"action": ["SetValue", {...}],
//	  "enqueue_time": "..."}], "commit_time": "..."}], "index": 1}
//
// Decoding parses the whole document before returning anything, so a
// malformed file never yields a partial store.
package project

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

var (
	// ErrMalformed is returned when a file does not decode.
	ErrMalformed = errors.New("malformed project file")

	// ErrUnknownFormat is returned for an unrecognized file extension.
	ErrUnknownFormat = errors.New("unknown project file format")
)

// Format identifies a file format.
type Format uint8

const (
	FormatState Format = iota + 1
	FormatReplay
)

// File extensions.
const (
	StateExt  = ".fls"
	ReplayExt = ".fla"
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatState:
		return "state"
	case FormatReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// FormatFor picks the format from a file name's extension.
func FormatFor(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case StateExt:
		return FormatState, nil
	case ReplayExt:
		return FormatReplay, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(name))
	}
}

// -----------------------------------------------------------------------------
// State snapshot
// -----------------------------------------------------------------------------

type setJSON struct {
	Set []store.Pair `json:"set"`
}

// EncodeState writes s as an indented, path-ordered JSON object.
func EncodeState(s *store.Store) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, p := range s.Paths() {
		if i > 0 {
			buf.WriteString(",")
		}
		key, err := json.Marshal(string(p))
		if err != nil {
			return nil, err
		}
		val, err := encodeLeaf(s, p)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p, err)
		}
		buf.WriteString("\n  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(val)
	}
	if s.Len() > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func encodeLeaf(s *store.Store, p store.Path) ([]byte, error) {
	switch s.Category(p) {
	case store.CategoryScalar:
		v, _ := s.Lookup(p)
		return json.Marshal(v)
	case store.CategorySequence:
		seq, _ := s.Seq(p)
		return json.Marshal(seq)
	case store.CategorySet:
		set, _ := s.Set(p)
		return json.Marshal(setJSON{Set: set.Sorted()})
	default:
		return nil, store.ErrNotFound
	}
}

// DecodeState parses a state snapshot into a new store.
//
// Outputs:
//   - *store.Store: The decoded store. Empty sequences and sets are
//     dropped, since the store does not hold them.
//   - error: Wraps ErrMalformed on any syntax, path or value error.
func DecodeState(data []byte) (*store.Store, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	type leaf struct {
		path store.Path
		cat  store.Category
		val  store.Value
		seq  []store.Value
		set  []store.Pair
	}
	leaves := make([]leaf, 0, len(raw))
	for k, msg := range raw {
		path, err := store.ParsePath(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		l := leaf{path: path}
		switch firstByte(msg) {
		case '[':
			l.cat = store.CategorySequence
			err = json.Unmarshal(msg, &l.seq)
		case '{':
			var probe map[string]json.RawMessage
			if err = json.Unmarshal(msg, &probe); err == nil {
				if _, isSet := probe["set"]; isSet {
					l.cat = store.CategorySet
					var sj setJSON
					err = json.Unmarshal(msg, &sj)
					l.set = sj.Set
					break
				}
			}
			l.cat = store.CategoryScalar
			err = json.Unmarshal(msg, &l.val)
		default:
			l.cat = store.CategoryScalar
			err = json.Unmarshal(msg, &l.val)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, k, err)
		}
		leaves = append(leaves, l)
	}

	t := store.Empty().Transient()
	for _, l := range leaves {
		switch l.cat {
		case store.CategoryScalar:
			t.SetValue(l.path, l.val)
		case store.CategorySequence:
			t.Append(l.path, l.seq...)
		case store.CategorySet:
			for _, p := range l.set {
				t.Insert(l.path, p)
			}
		}
	}
	return t.Persistent(), nil
}

func firstByte(b []byte) byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
