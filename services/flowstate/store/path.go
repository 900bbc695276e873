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
	"fmt"
	"strings"
)

// Path addresses one state slot as an RFC 6901 JSON pointer.
//
// The empty Path is the root. Every other Path starts with '/' and escapes
// '~' as "~0" and '/' as "~1" inside a segment.
type Path string

// Root is the path that prefixes every other path.
const Root Path = ""

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")
var pointerUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

// ParsePath validates s as a JSON pointer.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Root, nil
	}
	if s[0] != '/' {
		return "", fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '~' {
			continue
		}
		if i+1 == len(s) || (s[i+1] != '0' && s[i+1] != '1') {
			return "", fmt.Errorf("%w: %q has a bad escape at %d", ErrInvalidPath, s, i)
		}
	}
	return Path(s), nil
}

// MustPath is ParsePath for literals. It panics on error.
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PathOf builds a path from raw, unescaped segments.
func PathOf(segments ...string) Path {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		pointerEscaper.WriteString(&b, s)
	}
	return Path(b.String())
}

// Child returns p extended by one raw segment.
func (p Path) Child(segment string) Path {
	return p + "/" + Path(pointerEscaper.Replace(segment))
}

// Index returns p extended by a decimal index segment.
func (p Path) Index(i int) Path {
	return Path(fmt.Sprintf("%s/%d", p, i))
}

// Parent returns the path one level up. The parent of Root is Root.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(string(p), '/')
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Base returns the unescaped last segment.
func (p Path) Base() string {
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return ""
	}
	return pointerUnescaper.Replace(string(p[i+1:]))
}

// Segments returns the unescaped segments. Root has none.
func (p Path) Segments() []string {
	if p == Root {
		return nil
	}
	parts := strings.Split(string(p[1:]), "/")
	for i, s := range parts {
		parts[i] = pointerUnescaper.Replace(s)
	}
	return parts
}

// Depth returns the number of segments.
func (p Path) Depth() int {
	return strings.Count(string(p), "/")
}

// HasPrefix reports whether p equals prefix or lies beneath it.
func (p Path) HasPrefix(prefix Path) bool {
	if prefix == Root || p == prefix {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)) && p[len(prefix)] == '/'
}

// ComparePaths orders paths segment by segment, so "/a/b" sorts before
// "/a-b" even though '-' < '/' bytewise.
func ComparePaths(a, b Path) int {
	for {
		if a == b {
			return 0
		}
		if a == Root {
			return -1
		}
		if b == Root {
			return 1
		}
		as, arest := splitFirst(a)
		bs, brest := splitFirst(b)
		if c := strings.Compare(as, bs); c != 0 {
			return c
		}
		a, b = arest, brest
	}
}

func splitFirst(p Path) (string, Path) {
	rest := p[1:]
	if i := strings.IndexByte(string(rest), '/'); i >= 0 {
		return pointerUnescaper.Replace(string(rest[:i])), rest[i:]
	}
	return pointerUnescaper.Replace(string(rest)), Root
}
