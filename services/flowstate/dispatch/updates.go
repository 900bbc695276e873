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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/flowstate/services/flowstate/patch"
)

// Update is one non-empty change pass, as delivered to update subscribers.
type Update struct {
	Patch        patch.Patch `json:"patch"`
	HistoryIndex int         `json:"history_index"`
	Time         time.Time   `json:"time"`
}

type updateSub struct {
	mu     sync.Mutex
	ch     chan Update
	closed bool
}

// send delivers u without blocking. It reports false when the
// subscriber's buffer is full and u was dropped.
func (s *updateSub) send(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- u:
		return true
	default:
		return false
	}
}

func (s *updateSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// SubscribeUpdates streams every non-empty patch the dispatcher produces.
//
// Description:
//
//	Updates are sent without blocking the tick. A subscriber that falls
//	more than buffer updates behind misses updates and should resync from
//	Snapshot.
//
// Outputs:
//   - <-chan Update: Closed by cancel or by Close.
//   - func(): Cancels the subscription. Safe to call more than once.
//
// Thread Safety: Safe from any goroutine.
func (d *Dispatcher) SubscribeUpdates(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	id := uuid.NewString()
	sub := &updateSub{ch: make(chan Update, buffer)}
	d.subs.Store(id, sub)
	return sub.ch, func() {
		if s, ok := d.subs.LoadAndDelete(id); ok {
			s.close()
		}
	}
}

func (d *Dispatcher) broadcast(u Update) {
	d.subs.Range(func(id string, s *updateSub) bool {
		if !s.send(u) {
			d.logger.Debug("update subscriber lagging, dropped update",
				"subscriber", id,
				"history_index", u.HistoryIndex,
			)
		}
		return true
	})
}

func (d *Dispatcher) closeSubscribers() {
	d.subs.Range(func(id string, s *updateSub) bool {
		d.subs.Delete(id)
		s.close()
		return true
	})
}
