// Package dispatch admits accepted connections into two bounded priority
// queues and serves them from a fixed pool of worker goroutines plus one
// dedicated expedited server.
//
// All dispatcher state is guarded by a single mutex. Four condition
// variables coordinate the goroutines:
//
//   - admissionAllowed: a submitter waits for room under Block.
//   - flushed: a submitter waits for every queue to drain under BlockFlush.
//   - workerAllowed: workers wait for standard work and no expedited work.
//   - expeditedAllowed: the expedited server waits for expedited work.
//
// Handlers always run outside the lock.
package dispatch

import (
	"math/rand"
	"prioserver/src/logging"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

type Options struct {
	// Number of worker goroutines serving the standard class.
	Workers int
	// Combined capacity of the waiting and in-flight sets.
	Capacity int
	Policy   OverloadPolicy

	// Optional.
	Logger   logr.Logger
	Observer Observer
	Clock    clock.PassiveClock
	Rand     *rand.Rand
}

// Snapshot is a consistent view of the queue populations.
type Snapshot struct {
	Standard      int
	Expedited     int
	InFlight      int
	ExpeditedBusy bool
}

// Total is the population checked against the capacity.
func (s Snapshot) Total() int {
	total := s.Standard + s.Expedited + s.InFlight
	if s.ExpeditedBusy {
		total++
	}
	return total
}

type Dispatcher[C Conn] struct {
	classifier Classifier[C]
	handler    Handler[C]
	logger     logr.Logger
	observer   Observer
	clock      clock.PassiveClock
	rng        *rand.Rand

	mutex            *sync.Mutex
	admissionAllowed *sync.Cond
	flushed          *sync.Cond
	workerAllowed    *sync.Cond
	expeditedAllowed *sync.Cond

	standard  *Queue[C]
	expedited *Queue[C]
	// Connections being served by workers. A worker holds a second one
	// while it follows a skip.
	inFlight      *Queue[C]
	expeditedBusy bool
	isStarted     bool
	isStopped     bool

	wg sync.WaitGroup

	workers  int            // immutable
	capacity int            // immutable
	policy   OverloadPolicy // immutable
}

func New[C Conn](opts Options, classifier Classifier[C], handler Handler[C]) (*Dispatcher[C], error) {
	if opts.Workers <= 0 {
		return nil, errors.Errorf("worker count must be positive, got %d", opts.Workers)
	}
	if opts.Capacity <= 0 {
		return nil, errors.Errorf("queue capacity must be positive, got %d", opts.Capacity)
	}
	if !opts.Policy.Valid() {
		return nil, errors.Errorf("invalid overload policy %q", opts.Policy)
	}
	if classifier == nil || handler == nil {
		return nil, errors.New("classifier and handler are required")
	}

	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}

	mutex := &sync.Mutex{}

	return &Dispatcher[C]{
		classifier: classifier,
		handler:    handler,
		logger:     logger.WithName("dispatch"),
		observer:   observer,
		clock:      clk,
		rng:        rng,

		mutex:            mutex,
		admissionAllowed: sync.NewCond(mutex),
		flushed:          sync.NewCond(mutex),
		workerAllowed:    sync.NewCond(mutex),
		expeditedAllowed: sync.NewCond(mutex),

		standard:  NewQueue[C](opts.Capacity),
		expedited: NewQueue[C](opts.Capacity),
		inFlight:  NewQueue[C](2 * opts.Workers),

		workers:  opts.Workers,
		capacity: opts.Capacity,
		policy:   opts.Policy,
	}, nil
}

// Start launches the worker pool and the expedited server. Connections
// submitted before Start wait in their queues.
func (d *Dispatcher[C]) Start() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isStarted {
		panic("dispatcher already started")
	}
	d.isStarted = true

	d.wg.Add(d.workers + 1)
	for i := 0; i < d.workers; i++ {
		go d.runWorker(i)
	}
	go d.runExpedited(d.workers)

	d.logger.V(logging.VERBOSE).Info("Dispatcher started",
		"workers", d.workers, "capacity", d.capacity, "policy", d.policy)
}

// Stop wakes every goroutine, waits for in-service handlers to return and
// closes the connections that are still queued. Blocked and later Submit
// calls return ErrStopped.
func (d *Dispatcher[C]) Stop() {
	d.mutex.Lock()
	if d.isStopped {
		d.mutex.Unlock()
		return
	}
	d.isStopped = true
	d.broadcastAll()
	d.mutex.Unlock()

	d.wg.Wait()

	d.mutex.Lock()
	pending := append(d.standard.Drain(), d.expedited.Drain()...)
	d.reportDepth()
	d.mutex.Unlock()

	for _, it := range pending {
		d.closeConn(it.Conn)
	}
	d.logger.V(logging.VERBOSE).Info("Dispatcher stopped", "closedPending", len(pending))
}

func (d *Dispatcher[C]) Snapshot() Snapshot {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.snapshotLocked()
}

func (d *Dispatcher[C]) Capacity() int {
	return d.capacity
}

func (d *Dispatcher[C]) Policy() OverloadPolicy {
	return d.policy
}

func (d *Dispatcher[C]) snapshotLocked() Snapshot {
	return Snapshot{
		Standard:      d.standard.Size(),
		Expedited:     d.expedited.Size(),
		InFlight:      d.inFlight.Size(),
		ExpeditedBusy: d.expeditedBusy,
	}
}

func (d *Dispatcher[C]) total() int {
	return d.snapshotLocked().Total()
}

// signalAdmission wakes submitters after an item retired. Broadcast is used
// because every waiter re-checks its own condition.
func (d *Dispatcher[C]) signalAdmission() {
	total := d.total()
	if total < d.capacity {
		d.admissionAllowed.Broadcast()
	}
	if total == 0 {
		d.flushed.Broadcast()
	}
}

func (d *Dispatcher[C]) broadcastAll() {
	d.admissionAllowed.Broadcast()
	d.flushed.Broadcast()
	d.workerAllowed.Broadcast()
	d.expeditedAllowed.Broadcast()
}

func (d *Dispatcher[C]) reportDepth() {
	d.observer.QueueDepth(d.snapshotLocked())
}

func (d *Dispatcher[C]) closeConn(conn C) {
	if err := conn.Close(); err != nil {
		d.logger.V(logging.DEBUG).Info("Close failed", "error", err.Error())
	}
}
