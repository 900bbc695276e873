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
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	for _, ok := range []string{"", "/", "/a", "/a/b~1c", "/~0"} {
		_, err := ParsePath(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"a", "/a~", "/a~2"} {
		_, err := ParsePath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestPath_Segments(t *testing.T) {
	p := Root.Child("nodes").Child("a/b").Child("x~y")
	assert.Equal(t, Path("/nodes/a~1b/x~0y"), p)
	assert.Equal(t, []string{"nodes", "a/b", "x~y"}, p.Segments())
	assert.Equal(t, "x~y", p.Base())
	assert.Equal(t, 3, p.Depth())
	assert.Equal(t, p, PathOf("nodes", "a/b", "x~y"))

	assert.Equal(t, Path("/nodes/a~1b"), p.Parent())
	assert.Equal(t, Root, Path("/nodes").Parent())
	assert.Equal(t, Root, Root.Parent())
	assert.Nil(t, Root.Segments())
	assert.Equal(t, Path("/seq/3"), Path("/seq").Index(3))
}

func TestPath_HasPrefix(t *testing.T) {
	assert.True(t, Path("/a/b").HasPrefix("/a"))
	assert.True(t, Path("/a").HasPrefix("/a"))
	assert.True(t, Path("/a").HasPrefix(Root))
	assert.False(t, Path("/ab").HasPrefix("/a"))
	assert.False(t, Path("/a").HasPrefix("/a/b"))
}

func TestComparePaths(t *testing.T) {
	paths := []Path{"/a-b", "/a/b", "/a", "", "/b"}
	slices.SortFunc(paths, ComparePaths)
	require.Equal(t, []Path{"", "/a", "/a/b", "/a-b", "/b"}, paths)
}
