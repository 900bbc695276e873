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
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
)

// Queued is an action waiting in the queue.
type Queued struct {
	Action    action.Action
	QueueTime time.Time

	// Seq is assigned at enqueue time and increases across all producers.
	Seq uint64
}

// Queue is the multi-producer, single-consumer action queue.
//
// Description:
//
//	Enqueue never blocks: it fails when the queue is full or closed. Drain
//	takes the sequence high-water mark before it starts, so anything
//	enqueued while it runs is carried over to the next Drain and every
//	tick works on a closed batch.
//
// Thread Safety: Enqueue, Depth and Close are safe from any goroutine.
// Drain must only be called by the consumer.
type Queue struct {
	q      *xsync.MPMCQueueOf[Queued]
	now    func() time.Time
	seq    atomic.Uint64
	depth  atomic.Int64
	closed atomic.Bool

	// carry holds entries dequeued past the high-water mark. Consumer only.
	carry []Queued
}

// NewQueue creates a queue holding at most capacity actions.
func NewQueue(capacity int, now func() time.Time) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		q:   xsync.NewMPMCQueueOf[Queued](capacity),
		now: now,
	}
}

// Enqueue stamps a and adds it to the queue.
//
// Outputs:
//   - bool: False if the queue is full or closed. The action is dropped.
func (q *Queue) Enqueue(a action.Action) bool {
	if a == nil || q.closed.Load() {
		return false
	}
	item := Queued{Action: a, QueueTime: q.now(), Seq: q.seq.Add(1)}
	if !q.q.TryEnqueue(item) {
		return false
	}
	q.depth.Add(1)
	return true
}

// Drain returns every action enqueued before the call, oldest first.
//
// Entries carried from the previous Drain come first. Dequeuing stops at
// the first entry stamped after the high-water mark, which is carried.
func (q *Queue) Drain() []Queued {
	mark := q.seq.Load()

	out := q.carry
	q.carry = nil
	for {
		item, ok := q.q.TryDequeue()
		if !ok {
			break
		}
		if item.Seq > mark {
			q.carry = append(q.carry, item)
			break
		}
		out = append(out, item)
	}
	q.depth.Add(-int64(len(out)))
	return out
}

// Depth returns the number of actions not yet drained, carried ones
// included.
func (q *Queue) Depth() int64 {
	return q.depth.Load()
}

// Close makes every later Enqueue fail. Queued actions can still be drained.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	return q.closed.Load()
}
