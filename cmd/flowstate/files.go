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
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowstate/services/flowstate/dispatch"
	"github.com/AleutianAI/flowstate/services/flowstate/patch"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the content of a state (.fls) or replay (.fla) file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := project.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			p := newPalette(out)
			switch doc.Format {
			case project.FormatState:
				renderState(out, doc.State, p)
			case project.FormatReplay:
				renderReplay(out, doc.Replay, p)
			}
			return nil
		},
	}
}

func newDiffCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "diff A B",
		Short: "Print the patch that turns project A into project B",
		Long: `Loads both files the way a dispatcher would (replays are re-applied up to
their saved cursor) and prints the patch from A's store to B's.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := store.ParsePath(base)
			if err != nil {
				return err
			}
			a, err := loadStore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			b, err := loadStore(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			renderPatch(out, patch.Diff(a, b, scope), newPalette(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "only diff paths under this JSON pointer")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "replay IN.fla OUT",
		Short: "Re-apply a replay file and save the result",
		Long: `Re-applies every gesture of IN, moves the cursor to --index (default:
the saved cursor) and saves to OUT. OUT's extension picks the format, so
.fls flattens the replay into a state snapshot.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d := quietDispatcher()
			if err := d.Load(ctx, args[0]); err != nil {
				return err
			}
			if index >= 0 {
				if err := d.SetIndex(ctx, index); err != nil {
					return fmt.Errorf("index %d: %w", index, err)
				}
			}
			if err := d.Save(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d paths at record %d of %d\n",
				args[1], d.Snapshot().Len(), d.HistoryIndex(), d.HistoryLen()-1)
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "history record to save (0 is the initial state)")
	return cmd
}

// loadStore returns the live store a dispatcher would have after opening
// name.
func loadStore(ctx context.Context, name string) (*store.Store, error) {
	d := quietDispatcher()
	if err := d.Load(ctx, name); err != nil {
		return nil, err
	}
	return d.Snapshot(), nil
}

func quietDispatcher() *dispatch.Dispatcher {
	cfg := dispatch.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return dispatch.New(cfg)
}
