// Package client is a load generator for the server: it issues a number of
// requests of both classes with bounded concurrency and records the latency
// of every response.
package client

import (
	"bufio"
	"context"
	"math/rand"
	"prioserver/src/client/netstats"
	"prioserver/src/logging"
	"prioserver/src/model"
	"prioserver/src/server/transport"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Options struct {
	Addr      string
	Transport string

	Requests    int
	Concurrency int
	// Fraction of requests sent in the expedited class.
	ExpeditedRatio float64
	// Paths are requested round-robin.
	Paths   []string
	Timeout time.Duration
	Seed    int64

	// Optional CSV outputs.
	StatsPath   string
	SummaryPath string
}

type ClassSummary struct {
	Sent        int
	OK          int
	Failed      int
	MeanLatency time.Duration
	MaxLatency  time.Duration
	// As reported by the server.
	MeanDispatch time.Duration

	latencySum  time.Duration
	dispatchSum time.Duration
}

type Summary struct {
	Classes       map[model.Class]*ClassSummary
	AvgThroughput float64 // bytes per second
	Elapsed       time.Duration
}

type Client struct {
	options Options
	logger  logr.Logger
	stats   *netstats.StatsCollector

	mutex   sync.Mutex
	summary *Summary
}

func NewClient(options Options, logger logr.Logger) *Client {
	return &Client{
		options: options,
		logger:  logger.WithName("client"),
		stats:   netstats.New(20, nil),
	}
}

func (o Options) validate() error {
	if o.Requests <= 0 {
		return errors.Errorf("requests must be positive, got %d", o.Requests)
	}
	if o.Concurrency <= 0 {
		return errors.Errorf("concurrency must be positive, got %d", o.Concurrency)
	}
	if o.ExpeditedRatio < 0 || o.ExpeditedRatio > 1 {
		return errors.Errorf("expedited ratio must be in [0, 1], got %v", o.ExpeditedRatio)
	}
	if len(o.Paths) == 0 {
		return errors.New("at least one path is required")
	}
	return nil
}

// Run sends every request and waits for the responses.
func (c *Client) Run(ctx context.Context) (*Summary, error) {
	if err := c.options.validate(); err != nil {
		return nil, err
	}

	c.logger.V(logging.VERBOSE).Info("Connecting...", "addr", c.options.Addr, "transport", c.options.Transport)
	dialer, err := transport.Dial(ctx, c.options.Transport, c.options.Addr)
	if err != nil {
		return nil, err
	}
	defer dialer.Close()

	var statistics *StatisticsLogger
	if c.options.StatsPath != "" {
		if statistics, err = NewStatisticsLogger(c.options.StatsPath); err != nil {
			return nil, err
		}
		defer statistics.Close()
	}

	c.summary = &Summary{Classes: map[model.Class]*ClassSummary{
		model.EXPEDITED: {},
		model.STANDARD:  {},
	}}

	rng := rand.New(rand.NewSource(c.options.Seed))
	semaphore := NewSemaphore(c.options.Concurrency)
	var waitGroup sync.WaitGroup
	start := time.Now()

	for i := 0; i < c.options.Requests; i++ {
		class := model.STANDARD
		if rng.Float64() < c.options.ExpeditedRatio {
			class = model.EXPEDITED
		}
		req := model.Request{
			ID:    uuid.New(),
			Class: class,
			Path:  c.options.Paths[i%len(c.options.Paths)],
		}

		if err := semaphore.Acquire(ctx); err != nil {
			break
		}
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			defer semaphore.Release()

			res, latency, err := c.request(ctx, dialer, req)
			c.record(req.Class, res, latency, err)
			if err != nil {
				c.logger.V(logging.DEBUG).Info("Request failed", "id", req.ID, "error", err.Error())
				return
			}
			if statistics != nil {
				if err := statistics.Log(time.Since(start), res, latency); err != nil {
					c.logger.Error(err, "Statistics write failed")
				}
			}
		}()
	}
	waitGroup.Wait()

	summary := c.summary
	summary.Elapsed = time.Since(start)
	summary.AvgThroughput = c.stats.AvgThroughput()
	for _, s := range summary.Classes {
		if s.OK > 0 {
			s.MeanLatency = s.latencySum / time.Duration(s.OK)
			s.MeanDispatch = s.dispatchSum / time.Duration(s.OK)
		}
	}
	if c.options.SummaryPath != "" {
		if err := WriteSummary(c.options.SummaryPath, summary); err != nil {
			return summary, err
		}
	}
	return summary, ctx.Err()
}

func (c *Client) request(ctx context.Context, dialer transport.Dialer, req model.Request) (*model.Response, time.Duration, error) {
	if c.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()
	}

	stream, err := dialer.Open(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	// Unblock reads when the deadline passes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	c.stats.RecordSend(req.ID)
	if err := req.Write(stream); err != nil {
		c.stats.Forget(req.ID)
		return nil, 0, errors.Wrap(err, "write request")
	}
	res, err := model.ReadResponse(bufio.NewReader(stream))
	if err != nil {
		c.stats.Forget(req.ID)
		return nil, 0, errors.Wrap(err, "read response")
	}
	latency, _ := c.stats.RecordRecv(req.ID, len(res.Data))
	return res, latency, nil
}

func (c *Client) record(class model.Class, res *model.Response, latency time.Duration, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s := c.summary.Classes[class]
	s.Sent++
	if err != nil || res.Status != model.STATUS_OK {
		s.Failed++
		return
	}
	s.OK++
	s.latencySum += latency
	s.dispatchSum += res.Stats.DispatchDelay
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}
}
