package dispatch

import (
	"math/rand"
	"prioserver/src/server/datastructures"
	"time"

	"golang.org/x/exp/slices"
)

// PendingItem is a connection waiting in a queue or being served.
type PendingItem[C Conn] struct {
	Conn    C
	Arrival time.Time
}

// Queue is a bounded FIFO of pending connections.
//
// Queue does no locking of its own; every call must be made with the
// dispatcher lock held. Removals report "nothing found" through their ok
// result, which callers must check before using the item.
type Queue[C Conn] struct {
	items datastructures.CircularQueue[PendingItem[C]]
}

func NewQueue[C Conn](capacity int) *Queue[C] {
	return &Queue[C]{
		items: datastructures.NewCircularQueue[PendingItem[C]](capacity),
	}
}

// Enqueue appends conn. It is a no-op when the queue is full; capacity is
// enforced by admission before calling.
func (q *Queue[C]) Enqueue(conn C, arrival time.Time) {
	q.items.Enqueue(PendingItem[C]{Conn: conn, Arrival: arrival})
}

func (q *Queue[C]) DequeueHead() (PendingItem[C], bool) {
	return q.items.Dequeue()
}

func (q *Queue[C]) DequeueTail() (PendingItem[C], bool) {
	return q.items.DequeueTail()
}

// DequeueByValue removes the item carrying conn, if any.
func (q *Queue[C]) DequeueByValue(conn C) (PendingItem[C], bool) {
	i := q.items.Index(func(it PendingItem[C]) bool { return it.Conn == conn })
	return q.items.RemoveAt(i)
}

// DequeueByIndex removes the i-th item counted from the head.
func (q *Queue[C]) DequeueByIndex(i int) (PendingItem[C], bool) {
	return q.items.RemoveAt(i)
}

// RandomEvict removes ceil(n/2) distinct items chosen uniformly at random and
// closes each evicted connection. The evicted items are returned in queue
// order.
func (q *Queue[C]) RandomEvict(rng *rand.Rand) []PendingItem[C] {
	n := q.items.Len()
	if n == 0 {
		return nil
	}

	k := (n + 1) / 2
	victims := rng.Perm(n)[:k]
	// Remove from the back so the remaining indices stay valid.
	slices.Sort(victims)

	evicted := make([]PendingItem[C], k)
	for j := k - 1; j >= 0; j-- {
		it, ok := q.items.RemoveAt(victims[j])
		if !ok {
			continue
		}
		it.Conn.Close()
		evicted[j] = it
	}
	return evicted
}

func (q *Queue[C]) Size() int {
	return q.items.Len()
}

func (q *Queue[C]) IsEmpty() bool {
	return q.items.IsEmpty()
}

func (q *Queue[C]) IsFull() bool {
	return q.items.IsFull()
}

// HeadArrivalTime returns the arrival time of the oldest item, or the zero
// time if the queue is empty.
func (q *Queue[C]) HeadArrivalTime() time.Time {
	it, ok := q.items.Peek()
	if !ok {
		return time.Time{}
	}
	return it.Arrival
}

// Drain removes every item. Used on shutdown.
func (q *Queue[C]) Drain() []PendingItem[C] {
	items := make([]PendingItem[C], 0, q.items.Len())
	for {
		it, ok := q.items.Dequeue()
		if !ok {
			return items
		}
		items = append(items, it)
	}
}
