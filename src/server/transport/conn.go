// Package transport accepts client requests over TCP or QUIC and exposes each
// one as a Conn the dispatcher can queue.
package transport

import (
	"bufio"
	"io"
	"prioserver/src/model"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream is one request/response exchange: a TCP connection or a QUIC stream.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type Conn struct {
	ID     uuid.UUID
	Remote string

	stream Stream
	reader *bufio.Reader
	writer *bufio.Writer

	readOnce   sync.Once
	request    *model.Request
	requestErr error
}

func NewConn(stream Stream, remote string) *Conn {
	return &Conn{
		ID:     uuid.New(),
		Remote: remote,
		stream: stream,
		reader: bufio.NewReader(stream),
		writer: bufio.NewWriter(stream),
	}
}

// Request reads the request header block on first use and returns the cached
// result afterwards.
func (c *Conn) Request() (*model.Request, error) {
	c.readOnce.Do(func() {
		c.request, c.requestErr = model.ReadRequest(c.reader)
	})
	return c.request, c.requestErr
}

// RequestWithin is Request with a deadline on the first read.
func (c *Conn) RequestWithin(timeout time.Duration) (*model.Request, error) {
	if timeout > 0 {
		_ = c.stream.SetReadDeadline(time.Now().Add(timeout))
		defer c.stream.SetReadDeadline(time.Time{})
	}
	return c.Request()
}

func (c *Conn) WriteResponse(r *model.Response) error {
	return r.Write(c.writer)
}

func (c *Conn) Close() error {
	return c.stream.Close()
}
