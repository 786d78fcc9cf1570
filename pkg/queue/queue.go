// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the outbound message FIFO owned by a Proxy
// handle. The queue itself is not internally synchronized; callers are
// expected to hold the handle's own lock around Push/Pop/IsEmpty.
package queue

import (
	"container/list"

	"github.com/duvitech/iot-edge/pkg/message"
)

// Queue is a FIFO of messages awaiting send. Ownership of a message
// transfers in on Push and out on Pop.
type Queue struct {
	l *list.List
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{l: list.New()}
}

// Push enqueues msg at the tail.
func (q *Queue) Push(msg message.Message) {
	q.l.PushBack(msg)
}

// Pop removes and returns the head message, or (nil, false) if empty.
func (q *Queue) Pop() (message.Message, bool) {
	front := q.l.Front()
	if front == nil {
		return nil, false
	}
	q.l.Remove(front)
	return front.Value.(message.Message), true
}

// IsEmpty reports whether the queue has no pending messages.
func (q *Queue) IsEmpty() bool {
	return q.l.Len() == 0
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	return q.l.Len()
}

// Drain removes and returns every pending message in FIFO order, leaving
// the queue empty. Used during Destroy to account for undelivered messages.
func (q *Queue) Drain() []message.Message {
	out := make([]message.Message, 0, q.l.Len())
	for {
		msg, ok := q.Pop()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}
