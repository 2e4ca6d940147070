package dispatch_test

import (
	"fmt"
	"math/rand"
	"prioserver/src/server/dispatch"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestDispatcher_StandardFIFO(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 1, Capacity: 10, Policy: dispatch.Block}, rec)
	d.Start()
	defer d.Stop()

	first := gated(standard("s0"))
	requireAdmitted(t, d, first)
	rec.waitStarted(t, "s0")

	want := []string{"s0"}
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("s%d", i)
		requireAdmitted(t, d, standard(name))
		want = append(want, name)
	}

	first.release()
	for _, name := range want[1:] {
		rec.waitStarted(t, name)
	}
	assert.Empty(t, cmp.Diff(want, rec.servedOrder()))
}

func TestDispatcher_SkipServesNewestNext(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 1, Capacity: 10, Policy: dispatch.Block}, rec)
	d.Start()
	defer d.Stop()

	a := gated(standard("a"))
	a.skip = true
	requireAdmitted(t, d, a)
	rec.waitStarted(t, "a")

	// a skip on the tail item is not followed again
	c := standard("c")
	c.skip = true
	requireAdmitted(t, d, standard("b"), c, standard("d"))

	a.release()
	for _, name := range []string{"d", "b", "c"} {
		rec.waitStarted(t, name)
	}
	assert.Empty(t, cmp.Diff([]string{"a", "d", "b", "c"}, rec.servedOrder()))
}

func TestDispatcher_SkipWithEmptyQueue(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 1, Capacity: 2, Policy: dispatch.Block}, rec)
	d.Start()
	defer d.Stop()

	a := standard("a")
	a.skip = true
	requireAdmitted(t, d, a)
	rec.waitStarted(t, "a")

	require.Eventually(t, func() bool { return d.Snapshot().Total() == 0 }, waitTimeout, time.Millisecond)
	assert.Equal(t, int32(1), a.closes.Load())
}

func TestDispatcher_ExpeditedBlocksWorkers(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 2, Capacity: 10, Policy: dispatch.Block}, rec)
	d.Start()
	defer d.Stop()

	v := gated(expedited("v"))
	requireAdmitted(t, d, v)
	s := rec.waitStarted(t, "v")
	assert.Equal(t, 2, s.threadID)

	requireAdmitted(t, d, standard("s1"), standard("s2"))
	rec.assertNothingStarts(t)
	assert.Equal(t, dispatch.Snapshot{Standard: 2, ExpeditedBusy: true}, d.Snapshot())

	v.release()
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-rec.started:
			got[s.conn.name] = true
			assert.Less(t, s.threadID, 2)
		case <-time.After(waitTimeout):
			require.FailNow(t, "standard work not resumed")
		}
	}
	assert.Equal(t, map[string]bool{"s1": true, "s2": true}, got)
}

func TestDispatcher_QueuedExpeditedBlocksWorkers(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 1, Capacity: 10, Policy: dispatch.Block}, rec)

	// queue both classes before anything runs
	v1, v2 := gated(expedited("v1")), gated(expedited("v2"))
	requireAdmitted(t, d, standard("s"), v1, v2)
	d.Start()
	defer d.Stop()

	rec.waitStarted(t, "v1")
	rec.assertNothingStarts(t)
	v1.release()
	rec.waitStarted(t, "v2")
	rec.assertNothingStarts(t)
	v2.release()
	rec.waitStarted(t, "s")
}

func TestDispatcher_ExpeditedCompletionWakesAllWorkers(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 3, Capacity: 10, Policy: dispatch.Block}, rec)
	d.Start()
	defer d.Stop()

	v := gated(expedited("v"))
	requireAdmitted(t, d, v)
	rec.waitStarted(t, "v")

	// queued while the expedited server is busy, so no worker was signalled
	conns := []*fakeConn{gated(standard("s1")), gated(standard("s2")), gated(standard("s3"))}
	requireAdmitted(t, d, conns...)
	rec.assertNothingStarts(t)

	v.release()
	threads := map[int]bool{}
	for range conns {
		select {
		case s := <-rec.started:
			threads[s.threadID] = true
		case <-time.After(waitTimeout):
			require.FailNow(t, "not every worker was woken")
		}
	}
	assert.Len(t, threads, 3)
	assert.Equal(t, 3, d.Snapshot().InFlight)

	for _, c := range conns {
		c.release()
	}
}

func TestDispatcher_DispatchDelay(t *testing.T) {
	clk := testingclock.NewFakeClock(t0)
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{
		Workers: 1, Capacity: 2, Policy: dispatch.Block, Clock: clk,
	}, rec)

	requireAdmitted(t, d, standard("a"))
	clk.Step(3 * time.Second)
	d.Start()
	defer d.Stop()

	s := rec.waitStarted(t, "a")
	assert.Equal(t, t0, s.arrival)
	assert.Equal(t, 3*time.Second, s.dispatchDelay)
}

func TestDispatcher_HandlerPanicStillCloses(t *testing.T) {
	var mutex sync.Mutex
	var served []string
	handler := dispatch.HandlerFunc[*fakeConn](func(c *fakeConn, _ time.Time, _ time.Duration, _ *dispatch.ThreadStats) bool {
		if c.name == "boom" {
			panic("handler failed")
		}
		mutex.Lock()
		served = append(served, c.name)
		mutex.Unlock()
		return false
	})
	observer := newCountingObserver()
	d := newDispatcher(t, dispatch.Options{
		Workers: 1, Capacity: 4, Policy: dispatch.Block, Observer: observer,
	}, handler)
	d.Start()

	boom, ok := standard("boom"), standard("ok")
	requireAdmitted(t, d, boom, ok)
	require.Eventually(t, func() bool { return ok.closes.Load() == 1 }, waitTimeout, time.Millisecond)
	d.Stop()

	assert.Equal(t, int32(1), boom.closes.Load())
	assert.Equal(t, []string{"ok"}, served)
	assert.Equal(t, 2, observer.completed)
}

func TestDispatcher_StopClosesQueued(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, dispatch.Options{Workers: 1, Capacity: 4, Policy: dispatch.Block}, rec)
	d.Start()

	a := gated(standard("a"))
	requireAdmitted(t, d, a)
	rec.waitStarted(t, "a")
	b, v := standard("b"), gated(expedited("v"))
	requireAdmitted(t, d, b, v)
	rec.waitStarted(t, "v")

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	// Stop waits for the handlers in service
	select {
	case <-stopped:
		require.FailNow(t, "stop returned while handlers were running")
	case <-time.After(quietPeriod):
	}
	a.release()
	v.release()
	<-stopped

	for _, c := range []*fakeConn{a, b, v} {
		assert.Equal(t, int32(1), c.closes.Load(), c.name)
	}
	assert.NotContains(t, rec.servedOrder(), "b")
}

// Every connection handed to the dispatcher is closed exactly once and the
// population never exceeds the capacity, whatever the policy.
func TestDispatcher_CloseExactlyOnceUnderLoad(t *testing.T) {
	for _, policy := range dispatch.Policies {
		t.Run(string(policy), func(t *testing.T) {
			const capacity = 4
			rng := rand.New(rand.NewSource(42))
			handler := dispatch.HandlerFunc[*fakeConn](func(c *fakeConn, _ time.Time, _ time.Duration, stats *dispatch.ThreadStats) bool {
				time.Sleep(time.Duration(len(c.name)%3) * 100 * time.Microsecond)
				stats.Total++
				return c.skip
			})
			d := newDispatcher(t, dispatch.Options{
				Workers: 3, Capacity: capacity, Policy: policy, Rand: rand.New(rand.NewSource(1)),
			}, handler)
			d.Start()

			conns := make([]*fakeConn, 300)
			for i := range conns {
				c := &fakeConn{name: fmt.Sprintf("c%d", i), expedited: rng.Intn(4) == 0, skip: i%7 == 0}
				conns[i] = c
				_, err := d.Submit(c)
				require.NoError(t, err)
				require.LessOrEqual(t, d.Snapshot().Total(), capacity)
			}
			d.Stop()

			for _, c := range conns {
				require.Equal(t, int32(1), c.closes.Load(), c.name)
			}
		})
	}
}
