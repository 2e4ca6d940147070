package dispatch_test

import (
	"prioserver/src/model"
	"prioserver/src/server/dispatch"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	quietPeriod = 50 * time.Millisecond
)

// fakeConn counts how often it was closed. A non-nil gate holds the handler
// until it is closed.
type fakeConn struct {
	name      string
	expedited bool
	skip      bool
	gate      chan struct{}
	closes    atomic.Int32
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeConn) release() {
	close(c.gate)
}

func standard(name string) *fakeConn {
	return &fakeConn{name: name}
}

func expedited(name string) *fakeConn {
	return &fakeConn{name: name, expedited: true}
}

func gated(c *fakeConn) *fakeConn {
	c.gate = make(chan struct{})
	return c
}

var classify = dispatch.ClassifierFunc[*fakeConn](func(c *fakeConn) bool {
	return c.expedited
})

type served struct {
	conn          *fakeConn
	threadID      int
	arrival       time.Time
	dispatchDelay time.Duration
}

// recorder is a handler that records the order in which connections start
// being served.
type recorder struct {
	mutex   sync.Mutex
	order   []string
	started chan served
}

func newRecorder() *recorder {
	return &recorder{started: make(chan served, 1024)}
}

func (r *recorder) Handle(c *fakeConn, arrival time.Time, delay time.Duration, stats *dispatch.ThreadStats) bool {
	r.mutex.Lock()
	r.order = append(r.order, c.name)
	r.mutex.Unlock()

	r.started <- served{conn: c, threadID: stats.ID, arrival: arrival, dispatchDelay: delay}
	if c.gate != nil {
		<-c.gate
	}
	stats.Total++
	return c.skip
}

func (r *recorder) servedOrder() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) waitStarted(t *testing.T, name string) served {
	t.Helper()
	select {
	case s := <-r.started:
		require.Equal(t, name, s.conn.name)
		return s
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for "+name)
		return served{}
	}
}

func (r *recorder) assertNothingStarts(t *testing.T) {
	t.Helper()
	select {
	case s := <-r.started:
		require.FailNow(t, "unexpected start of "+s.conn.name)
	case <-time.After(quietPeriod):
	}
}

func newDispatcher(t *testing.T, opts dispatch.Options, handler dispatch.Handler[*fakeConn]) *dispatch.Dispatcher[*fakeConn] {
	t.Helper()
	d, err := dispatch.New[*fakeConn](opts, classify, handler)
	require.NoError(t, err)
	return d
}

type submitResult struct {
	decision dispatch.Decision
	err      error
}

// submitAsync runs Submit in the background for submissions expected to block.
func submitAsync(d *dispatch.Dispatcher[*fakeConn], c *fakeConn) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		decision, err := d.Submit(c)
		ch <- submitResult{decision, err}
	}()
	return ch
}

func requireBlocked(t *testing.T, ch <-chan submitResult) {
	t.Helper()
	select {
	case r := <-ch:
		require.FailNow(t, "submit returned early", "decision=%v err=%v", r.decision, r.err)
	case <-time.After(quietPeriod):
	}
}

func requireReturned(t *testing.T, ch <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		require.FailNow(t, "submit still blocked")
		return submitResult{}
	}
}

func requireAdmitted(t *testing.T, d *dispatch.Dispatcher[*fakeConn], conns ...*fakeConn) {
	t.Helper()
	for _, c := range conns {
		decision, err := d.Submit(c)
		require.NoError(t, err)
		require.Equal(t, dispatch.Admitted, decision, c.name)
	}
}

// countingObserver tallies dispatcher events.
type countingObserver struct {
	mutex     sync.Mutex
	admitted  map[model.Class]int
	rejected  map[model.Class]int
	evicted   int
	completed int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		admitted: map[model.Class]int{},
		rejected: map[model.Class]int{},
	}
}

func (o *countingObserver) Admitted(class model.Class) {
	o.mutex.Lock()
	o.admitted[class]++
	o.mutex.Unlock()
}

func (o *countingObserver) Rejected(class model.Class, _ dispatch.OverloadPolicy) {
	o.mutex.Lock()
	o.rejected[class]++
	o.mutex.Unlock()
}

func (o *countingObserver) Evicted(_ dispatch.OverloadPolicy, count int) {
	o.mutex.Lock()
	o.evicted += count
	o.mutex.Unlock()
}

func (o *countingObserver) QueueDepth(dispatch.Snapshot) {}

func (o *countingObserver) Completed(dispatch.Completion) {
	o.mutex.Lock()
	o.completed++
	o.mutex.Unlock()
}
