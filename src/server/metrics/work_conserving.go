package metrics

import (
	"prioserver/src/server/dispatch"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// WorkConserving measures, per window, how long connections were waiting
// while some server was busy and while every server was idle.
type WorkConserving struct {
	mu     sync.Mutex
	out    *csvOut
	clock  clock.WithTicker
	ticker clock.Ticker
	stop   chan struct{}
	done   chan struct{}
	last   time.Time

	backlog   int  // connections waiting in either queue
	inService bool // a worker or the expedited server holds a connection

	winBusy    time.Duration // backlog>0 && inService
	winIdle    time.Duration // backlog>0 && !inService
	winBacklog time.Duration // backlog>0
}

func StartWorkConserving(path string, clk clock.WithTicker, interval time.Duration) (*WorkConserving, error) {
	out, err := openCSV(path, []string{"ts", "busy_ms", "idle_ms", "backlog_ms", "ratio"})
	if err != nil {
		return nil, err
	}
	w := &WorkConserving{
		out:    out,
		clock:  clk,
		ticker: clk.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		last:   clk.Now(),
	}
	go w.loop()
	return w, nil
}

// Update records a new dispatcher population.
func (w *WorkConserving) Update(s dispatch.Snapshot) {
	now := w.clock.Now()
	w.mu.Lock()
	w.tickLocked(now)
	w.backlog = s.Standard + s.Expedited
	w.inService = s.InFlight > 0 || s.ExpeditedBusy
	w.mu.Unlock()
}

// Close writes the last partial window and closes the file.
func (w *WorkConserving) Close() error {
	close(w.stop)
	<-w.done
	w.ticker.Stop()

	now := w.clock.Now()
	w.mu.Lock()
	w.tickLocked(now)
	w.flushLocked(now)
	w.mu.Unlock()
	return w.out.close()
}

func (w *WorkConserving) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case now := <-w.ticker.C():
			w.mu.Lock()
			w.tickLocked(now)
			w.flushLocked(now)
			w.mu.Unlock()
		}
	}
}

// tickLocked accounts the time since w.last to the current state.
func (w *WorkConserving) tickLocked(now time.Time) {
	dt := now.Sub(w.last)
	if dt < 0 {
		dt = 0
	}
	w.last = now
	if w.backlog > 0 {
		w.winBacklog += dt
		if w.inService {
			w.winBusy += dt
		} else {
			w.winIdle += dt
		}
	}
}

func (w *WorkConserving) flushLocked(now time.Time) {
	ratio := 1.0
	if w.winBacklog > 0 {
		ratio = float64(w.winBusy) / float64(w.winBusy+w.winIdle)
	}
	_ = w.out.write([]string{
		now.Format(time.RFC3339Nano),
		i64(w.winBusy.Milliseconds()), i64(w.winIdle.Milliseconds()), i64(w.winBacklog.Milliseconds()),
		f64(ratio),
	})
	w.winBusy, w.winIdle, w.winBacklog = 0, 0, 0
}
