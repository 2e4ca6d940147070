package server

import (
	"context"
	"net"
	"net/http"
	"prioserver/src/config"
	"prioserver/src/logging"
	"prioserver/src/server/dispatch"
	"prioserver/src/server/handler"
	"prioserver/src/server/metrics"
	"prioserver/src/server/transport"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

type Server struct {
	config   config.Config
	logger   logr.Logger
	registry *prometheus.Registry
	listener transport.Listener
}

func NewServer(cfg config.Config, logger logr.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	return &Server{
		config:   cfg,
		logger:   logger.WithName("server"),
		registry: registry,
	}
}

// Listen opens the listener. Run calls it when it was not called before.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := transport.Listen(s.config.Transport, s.config.Addr(), s.logger)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Run accepts and dispatches requests until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	m, err := s.newMetrics()
	if err != nil {
		s.listener.Close()
		return err
	}
	defer m.Close()

	policy, err := dispatch.ParsePolicy(s.config.Policy)
	if err != nil {
		s.listener.Close()
		return err
	}
	dispatcher, err := dispatch.New[*transport.Conn](dispatch.Options{
		Workers:  s.config.Threads,
		Capacity: s.config.QueueSize,
		Policy:   policy,
		Logger:   s.logger,
		Observer: m,
	},
		handler.NewClassifier(s.config.ClassifyTimeout, s.logger),
		handler.NewHandler(s.config.Root, clock.RealClock{}, s.logger),
	)
	if err != nil {
		s.listener.Close()
		return err
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	s.logger.Info("Server listening", "addr", s.listener.Addr().String(),
		"transport", s.config.Transport, "threads", s.config.Threads,
		"queueSize", s.config.QueueSize, "policy", policy)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(gctx, dispatcher)
	})

	var metricsServer *http.Server
	if s.config.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    s.config.MetricsAddr,
			Handler: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			s.logger.V(logging.VERBOSE).Info("Metrics listening", "addr", s.config.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.listener.Close()
		// Releases an accept loop blocked in admission.
		dispatcher.Stop()
		if metricsServer != nil {
			return metricsServer.Shutdown(context.Background())
		}
		return nil
	})

	err = g.Wait()
	s.logger.Info("Server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, dispatcher *dispatch.Dispatcher[*transport.Conn]) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Error(err, "Accept failed")
			continue
		}
		s.logger.V(logging.TRACE).Info("Accepted", "conn", conn.ID, "remote", conn.Remote)

		if _, err := dispatcher.Submit(conn); errors.Is(err, dispatch.ErrStopped) {
			return nil
		}
	}
}

func (s *Server) newMetrics() (*metrics.Metrics, error) {
	opts := metrics.Options{Logger: s.logger}
	if s.config.RequestLogPath != "" {
		requestLog, err := metrics.OpenRequestLog(s.config.RequestLogPath)
		if err != nil {
			return nil, err
		}
		opts.RequestLog = requestLog
	}
	if s.config.WorkConservingPath != "" {
		wc, err := metrics.StartWorkConserving(s.config.WorkConservingPath, clock.RealClock{}, s.config.SampleInterval)
		if err != nil {
			if opts.RequestLog != nil {
				opts.RequestLog.Close()
			}
			return nil, err
		}
		opts.WorkConserving = wc
	}
	m, err := metrics.New(s.registry, opts)
	if err != nil {
		if opts.RequestLog != nil {
			opts.RequestLog.Close()
		}
		if opts.WorkConserving != nil {
			opts.WorkConserving.Close()
		}
		return nil, err
	}
	return m, nil
}
