package transport

import (
	"context"
	"net"
	"prioserver/src/logging"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/quic-go/quic-go"
	"github.com/pkg/errors"
)

const (
	TCP  = "tcp"
	QUIC = "quic"
)

var ErrClosed = errors.New("listener closed")

type Listener interface {
	// Accept blocks until the next request stream arrives.
	Accept(ctx context.Context) (*Conn, error)
	Addr() net.Addr
	Close() error
}

func Listen(kind, addr string, logger logr.Logger) (Listener, error) {
	switch kind {
	case TCP:
		return ListenTCP(addr)
	case QUIC:
		return ListenQUIC(addr, logger)
	default:
		return nil, errors.Errorf("unknown transport %q", kind)
	}
}

type tcpListener struct {
	listener net.Listener
}

func ListenTCP(addr string) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", addr)
	}
	return &tcpListener{listener: listener}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (*Conn, error) {
	c, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewConn(c, c.RemoteAddr().String()), nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

// quicListener turns every stream of every QUIC connection into a Conn.
type quicListener struct {
	listener *quic.Listener
	logger   logr.Logger
	streams  chan *Conn
	closed   chan struct{}
	once     sync.Once
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        5 * time.Minute,
		HandshakeIdleTimeout:  10 * time.Second,
		MaxIncomingStreams:    20000,
		MaxIncomingUniStreams: 20000,
	}
}

func ListenQUIC(addr string, logger logr.Logger) (Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen quic %s", addr)
	}

	l := &quicListener{
		listener: listener,
		logger:   logger.WithName("quic"),
		streams:  make(chan *Conn),
		closed:   make(chan struct{}),
	}
	go l.acceptConnections()
	return l, nil
}

func (l *quicListener) acceptConnections() {
	for {
		connection, err := l.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			l.logger.Error(err, "Accept connection failed")
			continue
		}
		l.logger.V(logging.DEBUG).Info("Connection accepted", "remote", connection.RemoteAddr().String())

		// accept streams in background
		go l.acceptStreams(connection)
	}
}

func (l *quicListener) acceptStreams(connection quic.Connection) {
	remote := connection.RemoteAddr().String()
	for {
		stream, err := connection.AcceptStream(connection.Context())
		if err != nil {
			l.logger.V(logging.DEBUG).Info("Connection finished", "remote", remote, "reason", err.Error())
			return
		}
		select {
		case l.streams <- NewConn(quicStream{stream}, remote):
		case <-l.closed:
			stream.CancelRead(0)
			stream.Close()
			return
		}
	}
}

func (l *quicListener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() (err error) {
	l.once.Do(func() {
		close(l.closed)
		err = l.listener.Close()
	})
	return
}

// quicStream stops reading as well as writing on Close.
type quicStream struct {
	quic.Stream
}

func (s quicStream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
