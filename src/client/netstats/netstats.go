// Package netstats measures latency and throughput of request/response
// exchanges. It only sees when a request left and when its response came
// back, keyed by request id.
package netstats

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// StatEntry holds the timestamps of one request.
type StatEntry struct {
	SentAt time.Time
	RecvAt time.Time
	Bytes  int
	Delay  time.Duration
	TP     float64 // bytes per second
}

// StatsCollector keeps pending requests and a circular window of the most
// recent throughput samples.
type StatsCollector struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	pending map[uuid.UUID]*StatEntry
	window  []float64
	idx     int // grows forever
}

// New creates a collector averaging over window (>=1) samples.
func New(window int, clk clock.PassiveClock) *StatsCollector {
	if window < 1 {
		window = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &StatsCollector{
		clock:   clk,
		pending: make(map[uuid.UUID]*StatEntry),
		window:  make([]float64, window),
	}
}

// RecordSend marks request id as sent now.
func (sc *StatsCollector) RecordSend(id uuid.UUID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.pending[id] = &StatEntry{SentAt: sc.clock.Now()}
}

// RecordRecv completes request id and returns its delay and throughput.
// Unknown ids are ignored.
func (sc *StatsCollector) RecordRecv(id uuid.UUID, bytes int) (delay time.Duration, tp float64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.pending[id]
	if !ok {
		return 0, 0
	}

	entry.RecvAt = sc.clock.Now()
	entry.Bytes = bytes
	entry.Delay = entry.RecvAt.Sub(entry.SentAt)
	if entry.Delay > 0 {
		entry.TP = float64(bytes) / entry.Delay.Seconds()
	}

	sc.window[sc.idx%len(sc.window)] = entry.TP
	sc.idx++
	delete(sc.pending, id)

	return entry.Delay, entry.TP
}

// Forget drops a request that will never be answered.
func (sc *StatsCollector) Forget(id uuid.UUID) {
	sc.mu.Lock()
	delete(sc.pending, id)
	sc.mu.Unlock()
}

// AvgThroughput is the mean over the samples recorded so far, at most the
// window size.
func (sc *StatsCollector) AvgThroughput() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	n := sc.idx
	if n > len(sc.window) {
		n = len(sc.window)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range sc.window[:n] {
		sum += v
	}
	return sum / float64(n)
}

func (sc *StatsCollector) Pending() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.pending)
}
