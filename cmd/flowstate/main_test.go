// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

var (
	volume = store.MustPath("/volume")
	seq    = store.MustPath("/seq")
	links  = store.MustPath("/links")
)

func plainPalette() palette {
	s := lipgloss.NewStyle()
	return palette{s, s, s, s, s, s, s}
}

func sampleStore() *store.Store {
	return store.Empty().Edit(func(t *store.Transient) {
		t.SetValue(volume, store.Float(0.25))
		t.Append(seq, store.Int(1), store.Int(2))
		t.Insert(links, store.MakePair(store.Int(1), store.Int(2)))
	})
}

func sampleReplay() project.Replay {
	commit := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return project.Replay{
		Gestures: []action.Gesture{
			{
				Entries: []action.Entry{
					{Action: action.SetValue{Path: volume, Value: store.Float(0.5)}, QueueTime: commit},
				},
				CommitTime: commit,
			},
			{
				Entries: []action.Entry{
					{Action: action.AppendValue{Path: seq, Value: store.Int(3)}, QueueTime: commit},
				},
				CommitTime: commit.Add(time.Second),
			},
		},
		Index: 1,
	}
}

func writeDoc(t *testing.T, name string, doc project.Document) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, project.Write(context.Background(), path, doc))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// -----------------------------------------------------------------------------
// Rendering
// -----------------------------------------------------------------------------

func TestRenderState(t *testing.T) {
	var buf bytes.Buffer
	renderState(&buf, sampleStore(), plainPalette())

	out := buf.String()
	assert.Contains(t, out, "state: 3 paths")
	assert.Contains(t, out, "/volume  scalar  0.25")
	assert.Contains(t, out, "/seq  sequence  [1, 2]")
	assert.Contains(t, out, "/links  set  {(1, 2)}")
}

func TestRenderReplay(t *testing.T) {
	var buf bytes.Buffer
	renderReplay(&buf, sampleReplay(), plainPalette())

	out := buf.String()
	assert.Contains(t, out, "replay: 3 records, cursor at 1")
	assert.Contains(t, out, "  #0  initial")
	assert.Contains(t, out, "> #1  2025-03-01T12:00:00Z  SetValue")
	assert.Contains(t, out, "  #2  2025-03-01T12:00:01Z  AppendValue")
}

func TestRenderPatch(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		renderPatch(&buf, patch.New(store.Root), plainPalette())
		assert.Equal(t, "no differences\n", buf.String())
	})

	t.Run("ops grouped by path", func(t *testing.T) {
		after := sampleStore().Edit(func(t *store.Transient) {
			t.SetValue(volume, store.Float(0.5))
			t.Append(seq, store.Int(3))
		})
		var buf bytes.Buffer
		renderPatch(&buf, patch.Diff(sampleStore(), after, store.Root), plainPalette())

		out := buf.String()
		assert.Contains(t, out, "2 paths, 2 ops")
		assert.Less(t, bytes.Index(buf.Bytes(), []byte("/seq")), bytes.Index(buf.Bytes(), []byte("/volume")))
	})
}

func TestNewPalette_NonTerminalIsPlain(t *testing.T) {
	p := newPalette(&bytes.Buffer{})
	assert.Equal(t, "x", p.title.Render("x"))
	assert.Equal(t, "x", p.remove.Render("x"))
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func TestInspectCmd(t *testing.T) {
	t.Run("state file", func(t *testing.T) {
		path := writeDoc(t, "song.fls", project.Document{Format: project.FormatState, State: sampleStore()})
		out, err := execute(t, "inspect", path)
		require.NoError(t, err)
		assert.Contains(t, out, "/volume  scalar  0.25")
	})

	t.Run("replay file", func(t *testing.T) {
		path := writeDoc(t, "song.fla", project.Document{Format: project.FormatReplay, Replay: sampleReplay()})
		out, err := execute(t, "inspect", path)
		require.NoError(t, err)
		assert.Contains(t, out, "cursor at 1")
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "song.txt"))
		assert.ErrorIs(t, err, project.ErrUnknownFormat)
	})
}

func TestDiffCmd(t *testing.T) {
	a := writeDoc(t, "a.fls", project.Document{Format: project.FormatState, State: sampleStore()})

	t.Run("identical", func(t *testing.T) {
		out, err := execute(t, "diff", a, a)
		require.NoError(t, err)
		assert.Equal(t, "no differences\n", out)
	})

	t.Run("replay against state", func(t *testing.T) {
		// The replay's cursor sits after the first gesture, so only the
		// volume differs from an empty store.
		b := writeDoc(t, "b.fla", project.Document{Format: project.FormatReplay, Replay: sampleReplay()})
		empty := writeDoc(t, "empty.fls", project.Document{Format: project.FormatState, State: store.Empty()})
		out, err := execute(t, "diff", empty, b)
		require.NoError(t, err)
		assert.Contains(t, out, "/volume")
		assert.NotContains(t, out, "/seq")
	})

	t.Run("base limits scope", func(t *testing.T) {
		empty := writeDoc(t, "empty.fls", project.Document{Format: project.FormatState, State: store.Empty()})
		out, err := execute(t, "diff", "--base", "/seq", empty, a)
		require.NoError(t, err)
		assert.Contains(t, out, "/seq")
		assert.NotContains(t, out, "/volume")
	})

	t.Run("bad base", func(t *testing.T) {
		_, err := execute(t, "diff", "--base", "seq", a, a)
		assert.ErrorIs(t, err, store.ErrInvalidPath)
	})
}

func TestReplayCmd(t *testing.T) {
	in := writeDoc(t, "song.fla", project.Document{Format: project.FormatReplay, Replay: sampleReplay()})

	t.Run("flatten at saved cursor", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "song.fls")
		msg, err := execute(t, "replay", in, out)
		require.NoError(t, err)
		assert.Contains(t, msg, "at record 1 of 2")

		doc, err := project.Read(context.Background(), out)
		require.NoError(t, err)
		v, ok := doc.State.Lookup(volume)
		require.True(t, ok)
		assert.Equal(t, store.Float(0.5), v)
		_, ok = doc.State.Seq(seq)
		assert.False(t, ok)
	})

	t.Run("explicit index", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "song.fls")
		_, err := execute(t, "replay", "--index", "2", in, out)
		require.NoError(t, err)

		doc, err := project.Read(context.Background(), out)
		require.NoError(t, err)
		got, ok := doc.State.Seq(seq)
		require.True(t, ok)
		assert.Equal(t, []store.Value{store.Int(3)}, got)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := execute(t, "replay", "--index", "9", in, filepath.Join(t.TempDir(), "x.fls"))
		assert.Error(t, err)
	})
}

func TestServeCmd_WatchRequiresOpen(t *testing.T) {
	_, err := execute(t, "serve", "--watch")
	assert.EqualError(t, err, "--watch requires --open")
}

// -----------------------------------------------------------------------------
// Watcher
// -----------------------------------------------------------------------------

type fakeState struct {
	live     *store.Store
	index    int
	length   int
	enqueued []action.Action
}

func (f *fakeState) Enqueue(a action.Action) bool {
	f.enqueued = append(f.enqueued, a)
	return true
}
func (f *fakeState) Snapshot() *store.Store { return f.live }
func (f *fakeState) HistoryIndex() int      { return f.index }
func (f *fakeState) HistoryLen() int        { return f.length }

func TestMatchesLive(t *testing.T) {
	ctx := context.Background()
	state := writeDoc(t, "song.fls", project.Document{Format: project.FormatState, State: sampleStore()})
	replay := writeDoc(t, "song.fla", project.Document{Format: project.FormatReplay, Replay: sampleReplay()})

	tests := []struct {
		name string
		file string
		live fakeState
		want bool
	}{
		{"state equal", state, fakeState{live: sampleStore(), length: 1}, true},
		{"state differs", state, fakeState{live: store.Empty(), length: 1}, false},
		{"replay same shape", replay, fakeState{live: store.Empty(), index: 1, length: 3}, true},
		{"replay other index", replay, fakeState{live: store.Empty(), index: 2, length: 3}, false},
		{"replay other length", replay, fakeState{live: store.Empty(), index: 1, length: 2}, false},
		{"missing file", filepath.Join(t.TempDir(), "gone.fls"), fakeState{live: store.Empty(), length: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesLive(ctx, tt.file, &tt.live))
		})
	}
}

func TestProjectWatcher_Reload(t *testing.T) {
	path := writeDoc(t, "song.fls", project.Document{Format: project.FormatState, State: sampleStore()})
	fs := &fakeState{live: sampleStore(), length: 1}
	w, err := newProjectWatcher(path, fs, slogDiscard())
	require.NoError(t, err)

	t.Run("matching file is ignored", func(t *testing.T) {
		w.reload(context.Background())
		assert.Empty(t, fs.enqueued)
	})

	t.Run("changed file enqueues open", func(t *testing.T) {
		changed := sampleStore().Edit(func(t *store.Transient) { t.SetValue(volume, store.Float(1)) })
		require.NoError(t, project.Write(context.Background(), path, project.Document{Format: project.FormatState, State: changed}))
		w.reload(context.Background())
		require.Len(t, fs.enqueued, 1)
		abs, _ := filepath.Abs(path)
		assert.Equal(t, action.OpenProject{Path: abs}, fs.enqueued[0])
	})

	require.NoError(t, w.watcher.Close())
}

func TestProjectWatcher_MissingDirectory(t *testing.T) {
	_, err := newProjectWatcher(filepath.Join(t.TempDir(), "nope", "song.fls"), &fakeState{}, slogDiscard())
	assert.Error(t, err)
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
