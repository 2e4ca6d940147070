package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/pkg/errors"
)

// Dialer opens one stream per request.
type Dialer interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

func Dial(ctx context.Context, kind, addr string) (Dialer, error) {
	switch kind {
	case TCP:
		return &tcpDialer{addr: addr}, nil
	case QUIC:
		connection, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
		if err != nil {
			return nil, errors.Wrapf(err, "dial quic %s", addr)
		}
		return &quicDialer{connection: connection}, nil
	default:
		return nil, errors.Errorf("unknown transport %q", kind)
	}
}

// tcpDialer uses a fresh connection per request.
type tcpDialer struct {
	addr   string
	dialer net.Dialer
}

func (d *tcpDialer) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	c, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial tcp %s", d.addr)
	}
	return c, nil
}

func (d *tcpDialer) Close() error {
	return nil
}

// quicDialer multiplexes requests as streams of one connection.
type quicDialer struct {
	connection quic.Connection
	once       sync.Once
}

func (d *quicDialer) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	stream, err := d.connection.OpenStreamSync(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	return stream, nil
}

func (d *quicDialer) Close() (err error) {
	d.once.Do(func() {
		err = d.connection.CloseWithError(0, "")
	})
	return
}
