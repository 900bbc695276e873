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
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

func sample() *store.Store {
	return store.Empty().Edit(func(t *store.Transient) {
		t.SetValue("/volume", store.Float(1))
		t.SetValue("/muted", store.Bool(true))
		t.SetValue("/count", store.UInt(math.MaxUint64))
		t.SetValue("/offset", store.Int(-3))
		t.SetValue("/name", store.String("main mix"))
		t.SetValue("/odd/key~1with~0escapes", store.Float(math.Inf(1)))
		t.Append("/tracks", store.Int(1), store.Float(2.5), store.String("x"))
		t.Insert("/links", store.MakePair(store.String("a"), store.String("b")))
		t.Insert("/links", store.MakePair(store.Int(1), store.UInt(2)))
	})
}

func TestFormatFor(t *testing.T) {
	f, err := FormatFor("/tmp/song.fls")
	require.NoError(t, err)
	assert.Equal(t, FormatState, f)

	f, err = FormatFor("SONG.FLA")
	require.NoError(t, err)
	assert.Equal(t, FormatReplay, f)

	_, err = FormatFor("song.json")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestState_RoundTrip(t *testing.T) {
	s := sample()
	data, err := EncodeState(s)
	require.NoError(t, err)

	back, err := DecodeState(data)
	require.NoError(t, err)
	assert.True(t, store.Equal(s, back))

	t.Run("empty store", func(t *testing.T) {
		data, err := EncodeState(store.Empty())
		require.NoError(t, err)
		assert.Equal(t, "{}\n", string(data))
		back, err := DecodeState(data)
		require.NoError(t, err)
		assert.Equal(t, 0, back.Len())
	})
}

func TestState_WireShape(t *testing.T) {
	s := store.Empty().Edit(func(t *store.Transient) {
		t.SetValue("/volume", store.Float(1))
		t.SetValue("/count", store.UInt(7))
		t.Append("/seq", store.Int(1), store.Int(2))
		t.Insert("/links", store.MakePair(store.String("a"), store.String("b")))
	})
	data, err := EncodeState(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"/volume": 1.0,
		"/count": {"u64": 7},
		"/seq": [1, 2],
		"/links": {"set": [["a", "b"]]}
	}`, string(data))
	assert.Contains(t, string(data), `"/volume": 1.0`)
}

func TestDecodeState_Malformed(t *testing.T) {
	for name, in := range map[string]string{
		"syntax":      `{"/a": `,
		"bad path":    `{"a": 1}`,
		"null value":  `{"/a": null}`,
		"bad member":  `{"/a": {"set": [[1]]}}`,
		"bad element": `{"/a": [1, null]}`,
		"not object":  `[1, 2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeState([]byte(in))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestReplay_RoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Replay{
		Gestures: []action.Gesture{
			{
				Entries: []action.Entry{
					{Action: action.SetValue{Path: "/volume", Value: store.Float(0.7)}, QueueTime: at},
				},
				CommitTime: at.Add(time.Second),
			},
			{
				Entries: []action.Entry{
					{Action: action.AppendValue{Path: "/seq", Value: store.Int(1)}, QueueTime: at.Add(2 * time.Second)},
					{Action: action.ToggleBool{Path: "/muted"}, QueueTime: at.Add(3 * time.Second)},
				},
				CommitTime: at.Add(4 * time.Second),
			},
		},
		Index: 1,
	}

	data, err := EncodeReplay(r)
	require.NoError(t, err)
	back, err := DecodeReplay(data)
	require.NoError(t, err)

	assert.Equal(t, 1, back.Index)
	require.Len(t, back.Gestures, 2)
	assert.Equal(t, r.Gestures[1].Actions(), back.Gestures[1].Actions())
	assert.True(t, r.Gestures[0].CommitTime.Equal(back.Gestures[0].CommitTime))

	t.Run("rejects bad index", func(t *testing.T) {
		_, err := DecodeReplay([]byte(`{"gestures": [], "index": 1}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("rejects non-savable actions", func(t *testing.T) {
		_, err := DecodeReplay([]byte(`{"gestures": [{"actions": [{"action": ["Undo", {}], "enqueue_time": "2025-03-01T12:00:00Z"}], "commit_time": "2025-03-01T12:00:01Z"}], "index": 0}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("rejects unknown actions", func(t *testing.T) {
		_, err := DecodeReplay([]byte(`{"gestures": [{"actions": [{"action": ["Explode", {}], "enqueue_time": "2025-03-01T12:00:00Z"}], "commit_time": "2025-03-01T12:00:01Z"}], "index": 0}`))
		assert.ErrorIs(t, err, ErrMalformed)
		assert.ErrorIs(t, err, action.ErrUnknownAction)
	})
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("state file", func(t *testing.T) {
		name := filepath.Join(dir, "song.fls")
		require.NoError(t, Write(ctx, name, Document{Format: FormatState, State: sample()}))

		doc, err := Read(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, FormatState, doc.Format)
		assert.True(t, store.Equal(sample(), doc.State))
	})

	t.Run("mismatched content leaves existing file", func(t *testing.T) {
		name := filepath.Join(dir, "keep.fla")
		require.NoError(t, os.WriteFile(name, []byte("original"), 0o644))

		err := Write(ctx, name, Document{Format: FormatState, State: sample()})
		assert.ErrorIs(t, err, ErrUnknownFormat)

		data, err := os.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
	})

	t.Run("write into missing directory fails", func(t *testing.T) {
		err := Write(ctx, filepath.Join(dir, "nope", "x.fls"), Document{Format: FormatState, State: store.Empty()})
		assert.Error(t, err)
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp")
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		name := filepath.Join(dir, "broken.fls")
		require.NoError(t, os.WriteFile(name, []byte("{"), 0o644))
		_, err := Read(ctx, name)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, err := Read(ctx, filepath.Join(dir, "song.txt"))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})
}
