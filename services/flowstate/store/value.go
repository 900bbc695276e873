// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindUInt
	KindFloat
	KindString
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUInt:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is one leaf of state: a bool, int64, uint64, float64 or string.
//
// Description:
//
//	Value is comparable with == and usable as a map key. Floats compare by
//	bit pattern, so NaN equals itself and -0 differs from +0. This keeps
//	diffing reflexive, which the patch engine relies on.
//
//	The zero Value has KindInvalid and is never stored.
type Value struct {
	kind Kind
	num  uint64
	str  string
}

// Bool returns a bool Value.
func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int returns an int Value.
func Int(i int64) Value { return Value{kind: KindInt, num: uint64(i)} }

// UInt returns an unsigned Value.
func UInt(u uint64) Value { return Value{kind: KindUInt, num: u} }

// Float returns a float Value.
func Float(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a variant.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) { return v.num != 0, v.kind == KindBool }

// AsInt returns the int64 held by v.
func (v Value) AsInt() (int64, bool) { return int64(v.num), v.kind == KindInt }

// AsUInt returns the uint64 held by v.
func (v Value) AsUInt() (uint64, bool) { return v.num, v.kind == KindUInt }

// AsFloat returns the float64 held by v.
func (v Value) AsFloat() (float64, bool) { return math.Float64frombits(v.num), v.kind == KindFloat }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool { return v == o }

// String renders v for logs and terminal output.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindUInt:
		return strconv.FormatUint(v.num, 10) + "u"
	case KindFloat:
		return formatFloat(math.Float64frombits(v.num))
	case KindString:
		return strconv.Quote(v.str)
	default:
		return "<invalid>"
	}
}

// CompareValues orders values by kind, then by payload.
func CompareValues(a, b Value) int {
	if c := cmp.Compare(a.kind, b.kind); c != 0 {
		return c
	}
	switch a.kind {
	case KindInt:
		return cmp.Compare(int64(a.num), int64(b.num))
	case KindFloat:
		return cmp.Compare(math.Float64frombits(a.num), math.Float64frombits(b.num))
	case KindString:
		return strings.Compare(a.str, b.str)
	default:
		return cmp.Compare(a.num, b.num)
	}
}

// -----------------------------------------------------------------------------
// JSON
// -----------------------------------------------------------------------------

// The JSON form keeps the variant recoverable on decode:
//
//	bool    true
//	int     42
//	uint    {"u64": 42}
//	float   0.5, 1.0, 1e+300 (always a fraction or exponent)
//	        {"f64": "NaN"}, {"f64": "+Inf"}, {"f64": "-Inf"}
//	string  "text"

type uintJSON struct {
	U64 *uint64 `json:"u64,omitempty"`
	F64 *string `json:"f64,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return strconv.AppendBool(nil, v.num != 0), nil
	case KindInt:
		return strconv.AppendInt(nil, int64(v.num), 10), nil
	case KindUInt:
		return json.Marshal(uintJSON{U64: &v.num})
	case KindFloat:
		f := math.Float64frombits(v.num)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			s := formatFloat(f)
			return json.Marshal(uintJSON{F64: &s})
		}
		return []byte(formatFloat(f)), nil
	case KindString:
		return json.Marshal(v.str)
	default:
		return nil, fmt.Errorf("marshal value: %w", ErrInvalidValue)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("unmarshal value: empty input: %w", ErrInvalidValue)
	}
	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		*v = String(s)
	case '{':
		var w uintJSON
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&w); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		switch {
		case w.U64 != nil && w.F64 == nil:
			*v = UInt(*w.U64)
		case w.F64 != nil && w.U64 == nil:
			f, err := strconv.ParseFloat(*w.F64, 64)
			if err != nil {
				return fmt.Errorf("unmarshal value: %w", err)
			}
			*v = Float(f)
		default:
			return fmt.Errorf("unmarshal value: object must hold exactly one of u64, f64: %w", ErrInvalidValue)
		}
	case 'n':
		return fmt.Errorf("unmarshal value: null: %w", ErrInvalidValue)
	default:
		num := string(data)
		if strings.ContainsAny(num, ".eE") {
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return fmt.Errorf("unmarshal value: %w", err)
			}
			*v = Float(f)
			return nil
		}
		i, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return fmt.Errorf("unmarshal value %q: %w", num, err)
		}
		*v = Int(i)
	}
	return nil
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
