package dispatch

import (
	"prioserver/src/logging"
	"prioserver/src/model"
	"time"

	"github.com/pkg/errors"
)

// runWorker serves the standard queue. A worker never takes a standard
// connection while expedited work is queued or in service.
func (d *Dispatcher[C]) runWorker(id int) {
	defer d.wg.Done()
	stats := &ThreadStats{ID: id}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		for !d.isStopped && (d.standard.IsEmpty() || !d.expedited.IsEmpty() || d.expeditedBusy) {
			d.workerAllowed.Wait()
		}
		if d.isStopped {
			return
		}

		it, ok := d.standard.DequeueHead()
		if !ok {
			continue
		}
		d.inFlight.Enqueue(it.Conn, it.Arrival)
		d.reportDepth()

		// Serve outside mutex
		d.mutex.Unlock()
		skip := d.serve(it, model.STANDARD, stats)
		d.mutex.Lock()

		// Skip reuses this worker for the newest pending standard connection,
		// without going back through the priority check. One level only.
		var next PendingItem[C]
		hasNext := false
		if skip {
			if next, hasNext = d.standard.DequeueTail(); hasNext {
				d.inFlight.Enqueue(next.Conn, next.Arrival)
				d.reportDepth()

				d.mutex.Unlock()
				d.serve(next, model.STANDARD, stats)
				d.mutex.Lock()

				d.inFlight.DequeueByValue(next.Conn)
			}
		}

		d.inFlight.DequeueByValue(it.Conn)
		d.reportDepth()
		d.signalAdmission()
	}
}

// runExpedited serves the expedited queue. While it holds a connection the
// busy flag keeps every worker away from the standard queue.
func (d *Dispatcher[C]) runExpedited(id int) {
	defer d.wg.Done()
	stats := &ThreadStats{ID: id}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		for !d.isStopped && d.expedited.IsEmpty() {
			d.expeditedAllowed.Wait()
		}
		if d.isStopped {
			return
		}

		it, ok := d.expedited.DequeueHead()
		if !ok {
			continue
		}
		d.expeditedBusy = true
		d.reportDepth()

		// Serve outside mutex
		d.mutex.Unlock()
		d.serve(it, model.EXPEDITED, stats)
		d.mutex.Lock()

		d.expeditedBusy = false
		if d.expedited.IsEmpty() && !d.standard.IsEmpty() {
			// Priority changed for every worker at once.
			d.workerAllowed.Broadcast()
		}
		d.reportDepth()
		d.signalAdmission()
	}
}

// serve runs the handler and closes the connection. Called without the lock.
func (d *Dispatcher[C]) serve(it PendingItem[C], class model.Class, stats *ThreadStats) bool {
	started := d.clock.Now()
	delay := started.Sub(it.Arrival)

	skip := d.invoke(it, delay, stats)
	d.closeConn(it.Conn)

	d.observer.Completed(Completion{
		Class:         class,
		ThreadID:      stats.ID,
		Arrival:       it.Arrival,
		DispatchDelay: delay,
		ServiceTime:   d.clock.Since(started),
		Skip:          skip,
	})
	d.logger.V(logging.TRACE).Info("Served", "class", class.String(), "thread", stats.ID,
		"dispatchDelay", delay, "skip", skip)
	return skip
}

// invoke calls the handler. A panicking handler is logged and treated as
// having returned false.
func (d *Dispatcher[C]) invoke(it PendingItem[C], delay time.Duration, stats *ThreadStats) (skip bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(errors.Errorf("%v", r), "Handler panic recovered", "thread", stats.ID)
			skip = false
		}
	}()
	return d.handler.Handle(it.Conn, it.Arrival, delay, stats)
}
