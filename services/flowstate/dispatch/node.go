// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

var (
	// ErrDuplicateNode is returned when a node ID or path is already
	// registered.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrUnknownNode is returned for an ID that is not registered.
	ErrUnknownNode = errors.New("node not registered")
)

// NodeID identifies a registered state node.
type NodeID string

// Node is a domain object that owns the paths under Path and caches values
// read from the store.
type Node interface {
	ID() NodeID

	// Path is the prefix this node owns. It must not change while the
	// node is registered.
	Path() store.Path

	// Refresh resyncs cached values after a patch touched the node or one
	// of its descendants. Called on the dispatcher goroutine.
	Refresh(s *store.Store)

	// Erase removes every path the node owns. Called on the dispatcher
	// goroutine when an EraseNode action destroys the node.
	Erase(t *store.Transient)
}

type treeNode struct {
	node     Node
	path     store.Path
	depth    int
	parent   *treeNode
	children map[NodeID]*treeNode
}

// Tree indexes registered nodes by ID and path and links each node to the
// closest registered node above it.
//
// Thread Safety: Safe for concurrent use. Node callbacks are never invoked
// while the lock is held.
type Tree struct {
	mu     sync.RWMutex
	byID   map[NodeID]*treeNode
	byPath map[store.Path]*treeNode
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		byID:   make(map[NodeID]*treeNode),
		byPath: make(map[store.Path]*treeNode),
	}
}

// Register adds n under the closest registered node whose path prefixes
// n's. Registered nodes below n's path are moved under n.
func (t *Tree) Register(n Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, path := n.ID(), n.Path()
	if _, ok := t.byID[id]; ok {
		return fmt.Errorf("%w: id %q", ErrDuplicateNode, id)
	}
	if other, ok := t.byPath[path]; ok {
		return fmt.Errorf("%w: path %q held by %q", ErrDuplicateNode, path, other.node.ID())
	}

	tn := &treeNode{
		node:     n,
		path:     path,
		depth:    path.Depth(),
		children: make(map[NodeID]*treeNode),
	}
	tn.parent = t.ownerLocked(path, false)

	// Adopt nodes that used to hang off our parent but sit below us.
	for _, other := range t.byID {
		if other.parent == tn.parent && other.path != path && other.path.HasPrefix(path) {
			t.link(other, tn)
		}
	}
	if tn.parent != nil {
		tn.parent.children[id] = tn
	}
	t.byID[id] = tn
	t.byPath[path] = tn
	return nil
}

// Unregister removes the node with id. Its children move to its parent.
func (t *Tree) Unregister(id NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tn, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	for _, c := range tn.children {
		t.link(c, tn.parent)
	}
	if tn.parent != nil {
		delete(tn.parent.children, id)
	}
	delete(t.byID, id)
	delete(t.byPath, tn.path)
	return nil
}

func (t *Tree) link(child, parent *treeNode) {
	if child.parent != nil {
		delete(child.parent.children, child.node.ID())
	}
	child.parent = parent
	if parent != nil {
		parent.children[child.node.ID()] = child
	}
}

// Len returns the number of registered nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Get returns the node registered under id.
func (t *Tree) Get(id NodeID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tn, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return tn.node, true
}

// At returns the node registered exactly at path.
func (t *Tree) At(path store.Path) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tn, ok := t.byPath[path]
	if !ok {
		return nil, false
	}
	return tn.node, true
}

// Owner returns the node with the longest registered path prefixing path.
func (t *Tree) Owner(path store.Path) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tn := t.ownerLocked(path, true)
	if tn == nil {
		return nil, false
	}
	return tn.node, true
}

// ownerLocked walks from path towards the root. When inclusive is false
// path itself is skipped.
func (t *Tree) ownerLocked(path store.Path, inclusive bool) *treeNode {
	p := path
	if !inclusive {
		if p == store.Root {
			return nil
		}
		p = p.Parent()
	}
	for {
		if tn, ok := t.byPath[p]; ok {
			return tn
		}
		if p == store.Root {
			return nil
		}
		p = p.Parent()
	}
}

// Parent returns the ID of the node above id, or "" at the top.
func (t *Tree) Parent(id NodeID) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tn, ok := t.byID[id]
	if !ok || tn.parent == nil {
		return "", false
	}
	return tn.parent.node.ID(), true
}

// Subtree returns id and every node below it, deepest first.
func (t *Tree) Subtree(id NodeID) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tn, ok := t.byID[id]
	if !ok {
		return nil
	}
	var out []*treeNode
	var walk func(*treeNode)
	walk = func(n *treeNode) {
		out = append(out, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(tn)
	slices.SortStableFunc(out, func(a, b *treeNode) int { return b.depth - a.depth })

	nodes := make([]Node, len(out))
	for i, n := range out {
		nodes[i] = n.node
	}
	return nodes
}

// Marks is the result of propagating a patch's paths through the tree.
type Marks struct {
	// Direct holds the owners of touched paths.
	Direct map[NodeID]struct{}

	// Changed holds Direct plus every ancestor of a Direct node.
	Changed map[NodeID]struct{}

	// Nodes lists the Changed nodes, parents before children.
	Nodes []Node

	// Stale lists nodes whose Path no longer matches their registration.
	Stale []NodeID
}

// Mark finds the owner of each path and walks parent pointers up to the
// root, O(depth) per path.
func (t *Tree) Mark(paths []store.Path) Marks {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Marks{
		Direct:  make(map[NodeID]struct{}),
		Changed: make(map[NodeID]struct{}),
	}
	var order []*treeNode
	for _, p := range paths {
		owner := t.ownerLocked(p, true)
		if owner == nil {
			continue
		}
		m.Direct[owner.node.ID()] = struct{}{}
		for n := owner; n != nil; n = n.parent {
			id := n.node.ID()
			if _, seen := m.Changed[id]; seen {
				break
			}
			m.Changed[id] = struct{}{}
			order = append(order, n)
			if n.node.Path() != n.path {
				m.Stale = append(m.Stale, id)
			}
		}
	}
	slices.SortStableFunc(order, func(a, b *treeNode) int { return a.depth - b.depth })
	m.Nodes = make([]Node, len(order))
	for i, n := range order {
		m.Nodes[i] = n.node
	}
	return m
}
