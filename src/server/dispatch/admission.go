package dispatch

import (
	"prioserver/src/logging"
	"prioserver/src/model"
	"time"
)

// Submit admits a freshly accepted connection.
//
// The connection is classified once, then admitted under the dispatcher lock
// according to the overload policy. Ownership of conn passes to the
// dispatcher in every case: a Dropped connection has already been closed.
func (d *Dispatcher[C]) Submit(conn C) (Decision, error) {
	arrival := d.clock.Now()
	class := model.STANDARD
	if d.classifier.IsExpedited(conn) {
		class = model.EXPEDITED
	}

	d.mutex.Lock()
	decision, err := d.admit(conn, class)
	if decision == Admitted {
		d.route(conn, class, arrival)
		d.observer.Admitted(class)
	}
	d.reportDepth()
	d.mutex.Unlock()

	if decision == Dropped {
		d.closeConn(conn)
		if err == nil {
			d.observer.Rejected(class, d.policy)
		}
	}
	return decision, err
}

// admit applies the overload policy. Called with the lock held; may wait on
// a condition variable.
func (d *Dispatcher[C]) admit(conn C, class model.Class) (Decision, error) {
	if d.isStopped {
		return Dropped, ErrStopped
	}
	if d.total() < d.capacity {
		return Admitted, nil
	}

	d.logger.V(logging.DEBUG).Info("Saturated", "policy", d.policy, "class", class.String(),
		"standard", d.standard.Size(), "expedited", d.expedited.Size(), "inFlight", d.inFlight.Size())

	policy := d.policy
	if policy.evicts() && d.standard.IsEmpty() && !(policy == DropTail && class == model.STANDARD) {
		// Nothing to evict, wait for room instead.
		policy = Block
	}

	switch policy {
	case Block:
		for !d.isStopped && d.total() >= d.capacity {
			d.admissionAllowed.Wait()
		}
		if d.isStopped {
			return Dropped, ErrStopped
		}

	case DropHead:
		if it, ok := d.standard.DequeueHead(); ok {
			d.evict(it)
		}

	case DropTail:
		if class == model.STANDARD {
			return Dropped, nil
		}
		if it, ok := d.standard.DequeueTail(); ok {
			d.evict(it)
		}

	case BlockFlush:
		for !d.isStopped && d.total() != 0 {
			d.flushed.Wait()
		}
		if d.isStopped {
			return Dropped, ErrStopped
		}
		if class == model.STANDARD {
			return Dropped, nil
		}

	case Random:
		evicted := d.standard.RandomEvict(d.rng)
		d.observer.Evicted(d.policy, len(evicted))
		d.logger.V(logging.DEBUG).Info("Evicted at random", "count", len(evicted))
	}

	return Admitted, nil
}

func (d *Dispatcher[C]) evict(it PendingItem[C]) {
	d.closeConn(it.Conn)
	d.observer.Evicted(d.policy, 1)
	d.logger.V(logging.DEBUG).Info("Evicted", "policy", d.policy, "arrival", it.Arrival)
}

// route places an admitted connection on its class queue and wakes the
// matching consumer.
func (d *Dispatcher[C]) route(conn C, class model.Class, arrival time.Time) {
	if class == model.EXPEDITED {
		wasEmpty := d.expedited.IsEmpty()
		d.expedited.Enqueue(conn, arrival)
		if wasEmpty {
			d.expeditedAllowed.Signal()
		}
		return
	}

	d.standard.Enqueue(conn, arrival)
	if d.expedited.IsEmpty() && !d.expeditedBusy {
		d.workerAllowed.Signal()
	}
}
