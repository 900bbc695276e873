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

import "errors"

var (
	// ErrNotFound is returned when a path was never registered.
	ErrNotFound = errors.New("path not found")

	// ErrInvalidPath is returned for a malformed JSON pointer.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidValue is returned when a Value cannot be encoded or decoded.
	ErrInvalidValue = errors.New("invalid value")

	// ErrKindMismatch is returned when a path is read as the wrong category.
	ErrKindMismatch = errors.New("path holds a different category")
)
