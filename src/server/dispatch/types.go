package dispatch

import (
	"io"
	"prioserver/src/model"
	"time"

	"github.com/pkg/errors"
)

// Conn is a pending connection handle. The dispatcher closes every admitted
// handle exactly once, either after it was served or when it is evicted.
// Handles are compared with == to retract them from the in-flight set.
type Conn interface {
	comparable
	io.Closer
}

// Classifier decides the class of a freshly accepted connection. It is called
// once per connection, outside the dispatcher lock.
type Classifier[C Conn] interface {
	IsExpedited(conn C) bool
}

type ClassifierFunc[C Conn] func(conn C) bool

func (f ClassifierFunc[C]) IsExpedited(conn C) bool { return f(conn) }

// Handler serves one connection. It runs outside the dispatcher lock, must
// not close conn and must not touch dispatcher state. Returning true asks the
// calling worker to serve the newest pending standard connection next.
type Handler[C Conn] interface {
	Handle(conn C, arrival time.Time, dispatchDelay time.Duration, stats *ThreadStats) bool
}

type HandlerFunc[C Conn] func(conn C, arrival time.Time, dispatchDelay time.Duration, stats *ThreadStats) bool

func (f HandlerFunc[C]) Handle(conn C, arrival time.Time, dispatchDelay time.Duration, stats *ThreadStats) bool {
	return f(conn, arrival, dispatchDelay, stats)
}

// ThreadStats is owned by a single dispatch goroutine and handed to the
// handler on every call. The handler maintains the counters.
type ThreadStats struct {
	ID      int
	Static  int
	Dynamic int
	Total   int
}

// Decision is the outcome of Submit.
type Decision int

const (
	// The connection was queued and will be served.
	Admitted Decision = iota
	// The connection was closed without being queued.
	Dropped
)

func (d Decision) String() string {
	if d == Admitted {
		return "admitted"
	}
	return "dropped"
}

var ErrStopped = errors.New("dispatcher stopped")

// Completion describes one served connection.
type Completion struct {
	Class         model.Class
	ThreadID      int
	Arrival       time.Time
	DispatchDelay time.Duration
	ServiceTime   time.Duration
	Skip          bool
}

// Observer receives dispatcher events. Methods other than Completed are
// called with the dispatcher lock held and must not block.
type Observer interface {
	Admitted(class model.Class)
	Rejected(class model.Class, policy OverloadPolicy)
	Evicted(policy OverloadPolicy, count int)
	QueueDepth(s Snapshot)
	Completed(c Completion)
}

type nopObserver struct{}

func (nopObserver) Admitted(model.Class)                 {}
func (nopObserver) Rejected(model.Class, OverloadPolicy) {}
func (nopObserver) Evicted(OverloadPolicy, int)          {}
func (nopObserver) QueueDepth(Snapshot)                  {}
func (nopObserver) Completed(Completion)                 {}
