package datastructures

// A bounded circular queue.
//
// Besides plain FIFO access it supports removal from the tail and from an
// arbitrary position. Positions are counted from the head, so index 0 is the
// oldest element.
//
// This type is not thread-safe. Use a mutex if necessary.
type CircularQueue[T any] struct {
	buffer []T
	head   int
	len    int
}

// Create a new circular queue.
func NewCircularQueue[T any](capacity int) CircularQueue[T] {
	return CircularQueue[T]{
		buffer: make([]T, capacity),
	}
}

// Enqueue appends item at the tail. Returns false if the queue is full.
func (q *CircularQueue[T]) Enqueue(item T) bool {
	if q.len == len(q.buffer) {
		return false
	}

	tail := q.slot(q.len)
	q.buffer[tail] = item

	q.len++

	return true
}

// Dequeue removes the head.
func (q *CircularQueue[T]) Dequeue() (val T, ok bool) {
	if q.len == 0 {
		ok = false
		return
	}

	val = q.buffer[q.head]
	ok = true

	var zero T
	q.buffer[q.head] = zero
	q.head = (q.head + 1) % len(q.buffer)
	q.len--

	return
}

// DequeueTail removes the most recently enqueued item.
func (q *CircularQueue[T]) DequeueTail() (val T, ok bool) {
	if q.len == 0 {
		ok = false
		return
	}

	tail := q.slot(q.len - 1)
	val = q.buffer[tail]
	ok = true

	var zero T
	q.buffer[tail] = zero
	q.len--

	return
}

// RemoveAt removes the i-th item counted from the head.
//
// The shorter side of the queue is shifted over the hole, so this is O(n).
func (q *CircularQueue[T]) RemoveAt(i int) (val T, ok bool) {
	if i < 0 || i >= q.len {
		ok = false
		return
	}

	val = q.buffer[q.slot(i)]
	ok = true

	var zero T
	if i < q.len/2 {
		// Shift the items in front of i one step back, then advance the head.
		for j := i; j > 0; j-- {
			q.buffer[q.slot(j)] = q.buffer[q.slot(j-1)]
		}
		q.buffer[q.head] = zero
		q.head = (q.head + 1) % len(q.buffer)
	} else {
		// Shift the items behind i one step forward.
		for j := i; j < q.len-1; j++ {
			q.buffer[q.slot(j)] = q.buffer[q.slot(j+1)]
		}
		q.buffer[q.slot(q.len-1)] = zero
	}
	q.len--

	return
}

// Peek returns the head without removing it.
func (q *CircularQueue[T]) Peek() (val T, ok bool) {
	return q.At(0)
}

// At returns the i-th item counted from the head.
func (q *CircularQueue[T]) At(i int) (val T, ok bool) {
	if i < 0 || i >= q.len {
		ok = false
		return
	}
	return q.buffer[q.slot(i)], true
}

// Index returns the position of the first item matching pred, or -1.
func (q *CircularQueue[T]) Index(pred func(T) bool) int {
	for i := 0; i < q.len; i++ {
		if pred(q.buffer[q.slot(i)]) {
			return i
		}
	}
	return -1
}

func (q *CircularQueue[T]) Len() int {
	return q.len
}

func (q *CircularQueue[T]) Cap() int {
	return len(q.buffer)
}

func (q *CircularQueue[T]) IsEmpty() bool {
	return q.len == 0
}

func (q *CircularQueue[T]) IsFull() bool {
	return q.len == len(q.buffer)
}

func (q *CircularQueue[T]) slot(i int) int {
	return (q.head + i) % len(q.buffer)
}
