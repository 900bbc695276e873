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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// ErrInvalidOp is returned when an encoded op is missing fields or names an
// unknown kind.
var ErrInvalidOp = errors.New("invalid patch op")

type opJSON struct {
	Op    string       `json:"op"`
	Index *int         `json:"index,omitempty"`
	Value *store.Value `json:"value,omitempty"`
	Old   *store.Value `json:"old,omitempty"`
	Pair  *store.Pair  `json:"pair,omitempty"`
}

// MarshalJSON encodes an op as {"op": name, ...fields it uses}.
func (o Op) MarshalJSON() ([]byte, error) {
	j := opJSON{Op: o.Kind.String()}
	switch o.Kind {
	case OpAdd:
		j.Value = &o.Value
	case OpRemove:
		j.Old = &o.Old
	case OpReplace:
		j.Value, j.Old = &o.Value, &o.Old
	case OpAppend:
		j.Index, j.Value = &o.Index, &o.Value
	case OpPop:
		j.Index, j.Old = &o.Index, &o.Old
	case OpSetAt:
		j.Index, j.Value, j.Old = &o.Index, &o.Value, &o.Old
	case OpInsert, OpErase:
		j.Pair = &o.Pair
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidOp, o.Kind)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an op written by MarshalJSON.
func (o *Op) UnmarshalJSON(data []byte) error {
	var j opJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("decode op: %w", err)
	}
	var kind OpKind
	for k, name := range opNames {
		if name == j.Op {
			kind = k
		}
	}
	need := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidOp, j.Op, field)
		}
		return nil
	}
	var err error
	switch kind {
	case OpAdd:
		if err = need(j.Value != nil, "value"); err == nil {
			*o = Add(*j.Value)
		}
	case OpRemove:
		if err = need(j.Old != nil, "old"); err == nil {
			*o = Remove(*j.Old)
		}
	case OpReplace:
		if err = need(j.Value != nil && j.Old != nil, "value and old"); err == nil {
			*o = Replace(*j.Value, *j.Old)
		}
	case OpAppend:
		if err = need(j.Index != nil && j.Value != nil, "index and value"); err == nil {
			*o = Append(*j.Index, *j.Value)
		}
	case OpPop:
		if err = need(j.Index != nil && j.Old != nil, "index and old"); err == nil {
			*o = Pop(*j.Index, *j.Old)
		}
	case OpSetAt:
		if err = need(j.Index != nil && j.Value != nil && j.Old != nil, "index, value and old"); err == nil {
			*o = SetAt(*j.Index, *j.Value, *j.Old)
		}
	case OpInsert:
		if err = need(j.Pair != nil, "pair"); err == nil {
			*o = Insert(*j.Pair)
		}
	case OpErase:
		if err = need(j.Pair != nil, "pair"); err == nil {
			*o = Erase(*j.Pair)
		}
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrInvalidOp, j.Op)
	}
	return err
}

// MarshalJSON encodes the patch as an object mapping each path to its op
// list. Base is not part of the encoding.
func (p Patch) MarshalJSON() ([]byte, error) {
	ops := p.Ops
	if ops == nil {
		ops = map[store.Path][]Op{}
	}
	return json.Marshal(ops)
}

// UnmarshalJSON decodes a patch. Base is set to store.Root.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw map[string][]Op
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}
	out := New(store.Root)
	for k, ops := range raw {
		path, err := store.ParsePath(k)
		if err != nil {
			return fmt.Errorf("decode patch: %w", err)
		}
		if len(ops) > 0 {
			out.Ops[path] = ops
		}
	}
	*p = out
	return nil
}
