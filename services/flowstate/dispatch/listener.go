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
	"slices"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Listener is notified after a tick changed nodes it watches.
type Listener interface {
	// OnChanged receives the watched nodes that changed, sorted. Called on
	// the dispatcher goroutine at most once per change pass.
	OnChanged(ids []NodeID)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ids []NodeID)

// OnChanged calls f(ids).
func (f ListenerFunc) OnChanged(ids []NodeID) { f(ids) }

// ListenerID identifies one registration.
type ListenerID string

type listenerEntry struct {
	listener Listener
	nodes    []NodeID
}

// listenerIndex is the node <-> listener relation, kept in both directions
// and updated per registration.
type listenerIndex struct {
	byListener *xsync.MapOf[ListenerID, listenerEntry]
	byNode     *xsync.MapOf[NodeID, map[ListenerID]struct{}]
}

func newListenerIndex() *listenerIndex {
	return &listenerIndex{
		byListener: xsync.NewMapOf[ListenerID, listenerEntry](),
		byNode:     xsync.NewMapOf[NodeID, map[ListenerID]struct{}](),
	}
}

func (x *listenerIndex) add(l Listener, nodes []NodeID) ListenerID {
	id := ListenerID(uuid.NewString())
	nodes = slices.Clone(nodes)
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)

	x.byListener.Store(id, listenerEntry{listener: l, nodes: nodes})
	for _, n := range nodes {
		x.byNode.Compute(n, func(old map[ListenerID]struct{}, _ bool) (map[ListenerID]struct{}, bool) {
			next := make(map[ListenerID]struct{}, len(old)+1)
			for k := range old {
				next[k] = struct{}{}
			}
			next[id] = struct{}{}
			return next, false
		})
	}
	return id
}

func (x *listenerIndex) remove(id ListenerID) bool {
	e, ok := x.byListener.LoadAndDelete(id)
	if !ok {
		return false
	}
	for _, n := range e.nodes {
		x.byNode.Compute(n, func(old map[ListenerID]struct{}, loaded bool) (map[ListenerID]struct{}, bool) {
			if !loaded {
				return nil, true
			}
			next := make(map[ListenerID]struct{}, len(old))
			for k := range old {
				if k != id {
					next[k] = struct{}{}
				}
			}
			return next, len(next) == 0
		})
	}
	return true
}

// notify calls every listener watching a node in changed, once each.
//
// Outputs:
//   - int: Number of listeners notified.
func (x *listenerIndex) notify(changed map[NodeID]struct{}) int {
	hits := make(map[ListenerID][]NodeID)
	for n := range changed {
		ids, ok := x.byNode.Load(n)
		if !ok {
			continue
		}
		for id := range ids {
			hits[id] = append(hits[id], n)
		}
	}

	order := make([]ListenerID, 0, len(hits))
	for id := range hits {
		order = append(order, id)
	}
	slices.Sort(order)

	notified := 0
	for _, id := range order {
		e, ok := x.byListener.Load(id)
		if !ok {
			continue
		}
		nodes := hits[id]
		slices.Sort(nodes)
		e.listener.OnChanged(nodes)
		notified++
	}
	return notified
}

func (x *listenerIndex) len() int {
	return x.byListener.Size()
}
