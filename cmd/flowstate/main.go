// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flowstate runs and inspects flowstate dispatchers.
//
// Usage:
//
//	flowstate serve --config flowstate.yaml --open song.fla --watch
//	flowstate inspect song.fls
//	flowstate diff before.fls after.fls
//	flowstate replay song.fla song.fls --index 3
//
// Example requests against a running server:
//
//	# Health check
//	curl http://127.0.0.1:7420/v1/health
//
//	# Set a value
//	curl -X POST http://127.0.0.1:7420/v1/actions \
//	  -H "Content-Type: application/json" \
//	  -d '{"actions": [["SetValue", {"path": "/volume", "value": 0.5}]]}'
//
//	# Undo
//	curl -X POST http://127.0.0.1:7420/v1/actions -d '{"actions": [["Undo", {}]]}'
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowstate",
		Short: "Undoable application state behind a single-consumer action queue",
		Long: `flowstate keeps a hierarchical application store that many producers
mutate through queued actions, with gesture-based undo history and
state (.fls) and replay (.fla) project files.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newInspectCmd(),
		newDiffCmd(),
		newReplayCmd(),
	)
	return root
}
