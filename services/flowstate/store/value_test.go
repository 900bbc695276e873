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
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"bool", Bool(true), `true`},
		{"int", Int(-42), `-42`},
		{"uint", UInt(math.MaxUint64), `{"u64":18446744073709551615}`},
		{"whole float", Float(2), `2.0`},
		{"fraction", Float(0.7), `0.7`},
		{"exponent", Float(1e300), `1e+300`},
		{"nan", Float(math.NaN()), `{"f64":"NaN"}`},
		{"neg inf", Float(math.Inf(-1)), `{"f64":"-Inf"}`},
		{"string", String("a\"b"), `"a\"b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			var back Value
			require.NoError(t, json.Unmarshal(data, &back))
			assert.True(t, tt.in.Equal(back), "got %v", back)
		})
	}
}

func TestValue_UnmarshalErrors(t *testing.T) {
	for _, in := range []string{`null`, `[1]`, `{"u64":1,"f64":"1"}`, `{"x":1}`, `99999999999999999999`} {
		var v Value
		assert.Error(t, json.Unmarshal([]byte(in), &v), in)
	}

	_, err := Value{}.MarshalJSON()
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValue_Accessors(t *testing.T) {
	f, ok := Float(0.25).AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 0.25, f)

	_, ok = Int(1).AsFloat()
	assert.False(t, ok)

	assert.NotEqual(t, Int(1), UInt(1))
	assert.Equal(t, Float(math.NaN()), Float(math.NaN()))
	assert.Equal(t, "1u", UInt(1).String())
}

func TestCompareValues(t *testing.T) {
	assert.Negative(t, CompareValues(Int(-1), Int(1)))
	assert.Negative(t, CompareValues(Bool(true), Int(0)))
	assert.Zero(t, CompareValues(String("x"), String("x")))
	assert.Positive(t, CompareValues(Float(2), Float(1.5)))
}

func TestPair_JSON(t *testing.T) {
	p := MakePair(String("out"), UInt(3))
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `["out",{"u64":3}]`, string(data))

	var back Pair
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p, back)

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &back))
}
