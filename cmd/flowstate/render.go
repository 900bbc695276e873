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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// palette holds the styles for terminal output. Every style is plain when
// the writer is not a terminal.
type palette struct {
	title  lipgloss.Style
	path   lipgloss.Style
	dim    lipgloss.Style
	add    lipgloss.Style
	remove lipgloss.Style
	change lipgloss.Style
	cursor lipgloss.Style
}

func newPalette(w io.Writer) palette {
	f, ok := w.(*os.File)
	if !ok || (!isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())) {
		plain := lipgloss.NewStyle()
		return palette{plain, plain, plain, plain, plain, plain, plain}
	}
	return palette{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		path:   lipgloss.NewStyle().Foreground(lipgloss.Color("212")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		add:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		remove: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		change: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		cursor: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226")),
	}
}

// renderState prints one line per path: path, category, content.
func renderState(w io.Writer, s *store.Store, p palette) {
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("state: %d paths", s.Len())))
	for _, path := range s.Paths() {
		cat := s.Category(path)
		fmt.Fprintf(w, "  %s  %s  %s\n",
			p.path.Render(displayPath(path)),
			p.dim.Render(cat.String()),
			leafString(s, path, cat),
		)
	}
}

func leafString(s *store.Store, path store.Path, cat store.Category) string {
	switch cat {
	case store.CategoryScalar:
		v, _ := s.Lookup(path)
		return v.String()
	case store.CategorySequence:
		seq, _ := s.Seq(path)
		parts := make([]string, len(seq))
		for i, v := range seq {
			parts[i] = v.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case store.CategorySet:
		set, _ := s.Set(path)
		sorted := set.Sorted()
		parts := make([]string, len(sorted))
		for i, pair := range sorted {
			parts[i] = "(" + pair.First.String() + ", " + pair.Second.String() + ")"
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

// renderReplay prints record 0 and one line per gesture, marking the
// cursor.
func renderReplay(w io.Writer, r project.Replay, p palette) {
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("replay: %d records, cursor at %d", len(r.Gestures)+1, r.Index)))
	fmt.Fprintf(w, "%s #0  %s\n", marker(r.Index == 0, p), p.dim.Render("initial"))
	for i, g := range r.Gestures {
		kinds := make([]string, len(g.Entries))
		for j, e := range g.Entries {
			kinds[j] = e.Action.Kind()
		}
		fmt.Fprintf(w, "%s #%d  %s  %s\n",
			marker(r.Index == i+1, p),
			i+1,
			p.dim.Render(g.CommitTime.Format(time.RFC3339)),
			strings.Join(kinds, ", "),
		)
	}
}

func marker(on bool, p palette) string {
	if on {
		return p.cursor.Render(">")
	}
	return " "
}

// renderPatch prints each touched path followed by its ops.
func renderPatch(w io.Writer, pt patch.Patch, p palette) {
	if pt.IsEmpty() {
		fmt.Fprintln(w, p.dim.Render("no differences"))
		return
	}
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("%d paths, %d ops", len(pt.Ops), pt.Len())))
	for _, path := range pt.Paths() {
		fmt.Fprintln(w, p.path.Render(displayPath(path)))
		for _, op := range pt.Ops[path] {
			fmt.Fprintf(w, "    %s\n", opStyle(op.Kind, p).Render(op.String()))
		}
	}
}

func opStyle(k patch.OpKind, p palette) lipgloss.Style {
	switch k {
	case patch.OpAdd, patch.OpAppend, patch.OpInsert:
		return p.add
	case patch.OpRemove, patch.OpPop, patch.OpErase:
		return p.remove
	default:
		return p.change
	}
}

func displayPath(path store.Path) string {
	if path == store.Root {
		return "/"
	}
	return string(path)
}
