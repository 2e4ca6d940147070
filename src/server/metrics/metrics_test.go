package metrics_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"prioserver/src/model"
	"prioserver/src/server/dispatch"
	"prioserver/src/server/metrics"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, metrics.Options{})
	require.NoError(t, err)

	m.Admitted(model.STANDARD)
	m.Admitted(model.STANDARD)
	m.Admitted(model.EXPEDITED)
	m.Rejected(model.STANDARD, dispatch.DropTail)
	m.Evicted(dispatch.Random, 2)
	m.QueueDepth(dispatch.Snapshot{Standard: 3, Expedited: 1, InFlight: 2, ExpeditedBusy: true})

	expected := `
# HELP prioserver_admitted_total Connections admitted into a queue, by class.
# TYPE prioserver_admitted_total counter
prioserver_admitted_total{class="expedited"} 1
prioserver_admitted_total{class="standard"} 2
# HELP prioserver_rejected_total Arriving connections closed by the overload policy, by class.
# TYPE prioserver_rejected_total counter
prioserver_rejected_total{class="standard",policy="dt"} 1
# HELP prioserver_evicted_total Queued connections closed to make room for an arrival.
# TYPE prioserver_evicted_total counter
prioserver_evicted_total{policy="random"} 2
# HELP prioserver_queue_depth Connections per queue.
# TYPE prioserver_queue_depth gauge
prioserver_queue_depth{queue="expedited"} 1
prioserver_queue_depth{queue="in_flight"} 2
prioserver_queue_depth{queue="standard"} 3
# HELP prioserver_expedited_busy 1 while the expedited server holds a connection.
# TYPE prioserver_expedited_busy gauge
prioserver_expedited_busy 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"prioserver_admitted_total", "prioserver_rejected_total", "prioserver_evicted_total",
		"prioserver_queue_depth", "prioserver_expedited_busy")
	assert.NoError(t, err)
}

func TestMetrics_Completed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, metrics.Options{})
	require.NoError(t, err)

	m.Completed(dispatch.Completion{Class: model.STANDARD, DispatchDelay: time.Millisecond, Skip: true})
	m.Completed(dispatch.Completion{Class: model.EXPEDITED, DispatchDelay: time.Microsecond})

	count, err := testutil.GatherAndCount(reg, "prioserver_completed_total", "prioserver_dispatch_delay_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	expected := `
# HELP prioserver_skips_total Served connections that asked for the newest pending one next.
# TYPE prioserver_skips_total counter
prioserver_skips_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "prioserver_skips_total"))
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg, metrics.Options{})
	require.NoError(t, err)
	_, err = metrics.New(reg, metrics.Options{})
	assert.Error(t, err)
}

type nopConn struct{ expedited bool }

func (*nopConn) Close() error { return nil }

func TestMetrics_ObservesDispatcher(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, metrics.Options{})
	require.NoError(t, err)

	classify := dispatch.ClassifierFunc[*nopConn](func(c *nopConn) bool { return c.expedited })
	handle := dispatch.HandlerFunc[*nopConn](func(*nopConn, time.Time, time.Duration, *dispatch.ThreadStats) bool {
		return false
	})
	d, err := dispatch.New[*nopConn](dispatch.Options{
		Workers: 2, Capacity: 8, Policy: dispatch.Block, Observer: m,
	}, classify, handle)
	require.NoError(t, err)
	d.Start()

	for i := 0; i < 6; i++ {
		_, err := d.Submit(&nopConn{expedited: i%3 == 0})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return d.Snapshot().Total() == 0 }, 2*time.Second, time.Millisecond)
	d.Stop()

	expected := `
# HELP prioserver_completed_total Connections served, by class.
# TYPE prioserver_completed_total counter
prioserver_completed_total{class="expedited"} 2
prioserver_completed_total{class="standard"} 4
# HELP prioserver_queue_depth Connections per queue.
# TYPE prioserver_queue_depth gauge
prioserver_queue_depth{queue="expedited"} 0
prioserver_queue_depth{queue="in_flight"} 0
prioserver_queue_depth{queue="standard"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"prioserver_completed_total", "prioserver_queue_depth"))
}

func TestRequestLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats", "requests.csv")
	l, err := metrics.OpenRequestLog(path)
	require.NoError(t, err)

	require.NoError(t, l.Record(dispatch.Completion{
		Class:         model.EXPEDITED,
		ThreadID:      4,
		Arrival:       t0,
		DispatchDelay: 1500 * time.Microsecond,
		ServiceTime:   2 * time.Millisecond,
		Skip:          true,
	}))
	require.NoError(t, l.Close())

	// reopening appends without a second header
	l, err = metrics.OpenRequestLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(dispatch.Completion{Class: model.STANDARD, Arrival: t0}))
	require.NoError(t, l.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, "class", rows[0][1])
	assert.Equal(t, []string{
		t0.Add(3500 * time.Microsecond).Format(time.RFC3339Nano),
		"expedited", "4", "1709294400000000", "1500", "2000", "true",
	}, rows[1])
	assert.Equal(t, "standard", rows[2][1])
}

func TestWorkConserving(t *testing.T) {
	clk := testingclock.NewFakeClock(t0)
	path := filepath.Join(t.TempDir(), "wc.csv")
	w, err := metrics.StartWorkConserving(path, clk, time.Hour)
	require.NoError(t, err)

	// waiting with every server idle
	w.Update(dispatch.Snapshot{Standard: 1})
	clk.Step(time.Second)
	// waiting behind the expedited server
	w.Update(dispatch.Snapshot{Standard: 1, ExpeditedBusy: true})
	clk.Step(3 * time.Second)
	// nothing waiting
	w.Update(dispatch.Snapshot{InFlight: 1})
	clk.Step(5 * time.Second)
	require.NoError(t, w.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"3000", "1000", "4000", "0.750"}, rows[1][1:])
	assert.Equal(t, []string{"ts", "busy_ms", "idle_ms", "backlog_ms", "ratio"}, rows[0])
}
