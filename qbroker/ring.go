package qbroker

import (
	"time"

	"github.com/google/uuid"
)

// Message is one event waiting for, or in, delivery. Delivery is at least once.
type Message struct {
	ID       uuid.UUID
	Seq      uint64
	Topic    string
	Payload  []byte
	Enqueued time.Time
	// Duplicate is set when the message may already have reached the broker.
	Duplicate bool
}

// ring is a fixed-capacity FIFO that evicts the oldest entry when full.
// It is not safe for concurrent use.
type ring struct {
	items []Message
	head  int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{items: make([]Message, capacity)}
}

func (r *ring) len() int { return r.size }

// push appends m, returning the evicted oldest message when the ring was full.
func (r *ring) push(m Message) (Message, bool) {
	capacity := len(r.items)
	if r.size == capacity {
		old := r.items[r.head]
		r.items[r.head] = m
		r.head = (r.head + 1) % capacity
		return old, true
	}
	r.items[(r.head+r.size)%capacity] = m
	r.size++
	return Message{}, false
}

// requeue returns m to the ring ahead of every entry with a higher Seq, so
// messages handed back in any order come out oldest first. When the ring is
// full the entry with the lowest Seq is evicted, which may be m itself.
func (r *ring) requeue(m Message) (Message, bool) {
	capacity := len(r.items)
	var old Message
	var evicted bool
	if r.size == capacity {
		if m.Seq < r.items[r.head].Seq {
			return m, true
		}
		old, evicted = r.pop()
	}
	i := 0
	for i < r.size && r.items[(r.head+i)%capacity].Seq < m.Seq {
		i++
	}
	if i == 0 {
		r.head = (r.head - 1 + capacity) % capacity
		r.items[r.head] = m
		r.size++
		return old, evicted
	}
	for j := r.size; j > i; j-- {
		r.items[(r.head+j)%capacity] = r.items[(r.head+j-1)%capacity]
	}
	r.items[(r.head+i)%capacity] = m
	r.size++
	return old, evicted
}

func (r *ring) pop() (Message, bool) {
	if r.size == 0 {
		return Message{}, false
	}
	m := r.items[r.head]
	r.items[r.head] = Message{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return m, true
}

// snapshot returns the buffered messages oldest first.
func (r *ring) snapshot() []Message {
	out := make([]Message, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}
