// Package metrics exports dispatcher events to Prometheus and, optionally,
// to CSV files for offline analysis.
package metrics

import (
	"prioserver/src/model"
	"prioserver/src/server/dispatch"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prioserver"

// Metrics is a dispatch.Observer.
type Metrics struct {
	admitted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	evicted       *prometheus.CounterVec
	completed     *prometheus.CounterVec
	skips         prometheus.Counter
	queueDepth    *prometheus.GaugeVec
	expeditedBusy prometheus.Gauge
	dispatchDelay *prometheus.HistogramVec
	serviceTime   *prometheus.HistogramVec

	// Optional.
	requestLog     *RequestLog
	workConserving *WorkConserving
	logger         logr.Logger
}

type Options struct {
	RequestLog     *RequestLog
	WorkConserving *WorkConserving
	Logger         logr.Logger
}

func New(registerer prometheus.Registerer, opts Options) (*Metrics, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	m := &Metrics{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_total",
			Help:      "Connections admitted into a queue, by class.",
		}, []string{"class"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Arriving connections closed by the overload policy, by class.",
		}, []string{"class", "policy"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_total",
			Help:      "Queued connections closed to make room for an arrival.",
		}, []string{"policy"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_total",
			Help:      "Connections served, by class.",
		}, []string{"class"}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Served connections that asked for the newest pending one next.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Connections per queue.",
		}, []string{"queue"}),
		expeditedBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expedited_busy",
			Help:      "1 while the expedited server holds a connection.",
		}),
		dispatchDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_delay_seconds",
			Help:      "Time from arrival to the start of service.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"class"}),
		serviceTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_time_seconds",
			Help:      "Time spent in the handler.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"class"}),

		requestLog:     opts.RequestLog,
		workConserving: opts.WorkConserving,
		logger:         logger.WithName("metrics"),
	}

	for _, c := range []prometheus.Collector{
		m.admitted, m.rejected, m.evicted, m.completed, m.skips,
		m.queueDepth, m.expeditedBusy, m.dispatchDelay, m.serviceTime,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}
	return m, nil
}

func (m *Metrics) Admitted(class model.Class) {
	m.admitted.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) Rejected(class model.Class, policy dispatch.OverloadPolicy) {
	m.rejected.WithLabelValues(class.String(), string(policy)).Inc()
}

func (m *Metrics) Evicted(policy dispatch.OverloadPolicy, count int) {
	m.evicted.WithLabelValues(string(policy)).Add(float64(count))
}

func (m *Metrics) QueueDepth(s dispatch.Snapshot) {
	m.queueDepth.WithLabelValues("standard").Set(float64(s.Standard))
	m.queueDepth.WithLabelValues("expedited").Set(float64(s.Expedited))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(s.InFlight))
	busy := 0.0
	if s.ExpeditedBusy {
		busy = 1
	}
	m.expeditedBusy.Set(busy)

	if m.workConserving != nil {
		m.workConserving.Update(s)
	}
}

func (m *Metrics) Completed(c dispatch.Completion) {
	class := c.Class.String()
	m.completed.WithLabelValues(class).Inc()
	m.dispatchDelay.WithLabelValues(class).Observe(c.DispatchDelay.Seconds())
	m.serviceTime.WithLabelValues(class).Observe(c.ServiceTime.Seconds())
	if c.Skip {
		m.skips.Inc()
	}

	if m.requestLog != nil {
		if err := m.requestLog.Record(c); err != nil {
			m.logger.Error(err, "Request log write failed")
		}
	}
}

// Close flushes and closes the CSV outputs.
func (m *Metrics) Close() error {
	var firstErr error
	if m.workConserving != nil {
		firstErr = m.workConserving.Close()
	}
	if m.requestLog != nil {
		if err := m.requestLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
