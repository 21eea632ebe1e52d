// Package transport implements the buffered, interruptible byte stream
// that sits under the POP3 protocol engine and, once negotiated, the TLS
// record layer.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PollResult is the outcome of a Poll call.
type PollResult int

const (
	// PollReady means data is available to read before the deadline.
	PollReady PollResult = iota
	// PollEmpty means the deadline elapsed with nothing to read.
	PollEmpty
	// PollUnsupported means the underlying connection cannot be polled;
	// callers should treat this as "assume readable".
	PollUnsupported
)

// ErrInterrupted is returned from Read/Write/ReadLine when the operation was
// aborted by the process-level interrupt signal rather than a network error.
var ErrInterrupted = errors.New("transport: interrupted")

// Conn wraps a net.Conn with a buffered reader, interrupt support, and a
// read/write path that TLS negotiation can swap out in place.
type Conn struct {
	nc        net.Conn
	r         *bufio.Reader
	interrupt <-chan struct{}
	log       *zap.Logger

	// refs counts the holders of this connection; the socket is only
	// torn down once nothing holds it anymore.
	refs int32
}

// New wraps nc. interrupt, if non-nil, is a channel that is closed (or
// receives a value) to abort any in-flight Read/Write/ReadLine.
func New(nc net.Conn, interrupt <-chan struct{}, log *zap.Logger) *Conn {
	c := &Conn{
		nc:        nc,
		r:         bufio.NewReaderSize(nc, 8192),
		interrupt: interrupt,
		log:       log,
		refs:      1,
	}
	return c
}

// Retain increments the reference count; paired with Close.
func (c *Conn) Retain() {
	atomic.AddInt32(&c.refs, 1)
}

// Close decrements the reference count and closes the underlying socket
// only when it reaches zero.
func (c *Conn) Close() error {
	if atomic.AddInt32(&c.refs, -1) > 0 {
		return nil
	}
	return c.nc.Close()
}

// Underlying returns the raw net.Conn, for layering TLS on top of it.
func (c *Conn) Underlying() net.Conn {
	return c.nc
}

// UpgradeTLS replaces the read/write path with tlsConn, as happens after
// a successful handshake or STARTTLS.
func (c *Conn) UpgradeTLS(tlsConn net.Conn) {
	c.nc = tlsConn
	c.r = bufio.NewReaderSize(tlsConn, 8192)
}

func (c *Conn) interruptibleIO(op func() (int, error)) (int, error) {
	if c.interrupt == nil {
		return op()
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := op()
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-c.interrupt:
		c.nc.SetDeadline(time.Now())
		<-done
		return 0, ErrInterrupted
	}
}

// Read fills buf, interruptible by the process-level signal.
func (c *Conn) Read(buf []byte) (int, error) {
	return c.interruptibleIO(func() (int, error) {
		return c.r.Read(buf)
	})
}

// Write writes buf in full, interruptible by the process-level signal.
func (c *Conn) Write(buf []byte) (int, error) {
	return c.interruptibleIO(func() (int, error) {
		return c.nc.Write(buf)
	})
}

// ReadByte reads a single byte (readchar).
func (c *Conn) ReadByte() (byte, error) {
	var b byte
	_, err := c.interruptibleIO(func() (int, error) {
		var rerr error
		b, rerr = c.r.ReadByte()
		if rerr != nil {
			return 0, rerr
		}
		return 1, nil
	})
	return b, err
}

// ReadLine reads one logical line with a trailing "\r\n" or bare "\n"
// stripped (readln). The returned error is ErrInterrupted, io.EOF, or a
// network error distinguishable from the others.
func (c *Conn) ReadLine() (string, error) {
	var line string
	_, err := c.interruptibleIO(func() (int, error) {
		l, rerr := c.r.ReadString('\n')
		if rerr != nil && l == "" {
			return 0, rerr
		}
		line = trimCRLF(l)
		return len(l), rerr
	})
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return line, nil
}

func trimCRLF(s string) string {
	n := len(s)
	if n > 0 && s[n-1] == '\n' {
		n--
	}
	if n > 0 && s[n-1] == '\r' {
		n--
	}
	return s[:n]
}

// deadliner is implemented by connections that support Poll.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Poll waits up to timeout for data to be readable without consuming it.
func (c *Conn) Poll(timeout time.Duration) (PollResult, error) {
	dl, ok := c.nc.(deadliner)
	if !ok {
		return PollUnsupported, nil
	}

	if err := dl.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return PollUnsupported, nil
	}
	defer dl.SetReadDeadline(time.Time{})

	_, err := c.r.Peek(1)
	if err == nil {
		return PollReady, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return PollEmpty, nil
	}
	return PollEmpty, err
}
