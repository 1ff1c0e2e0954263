// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/google/uuid"
)

const readBufferSize = 4096

// Conn is one accepted control connection. A pump goroutine owns the
// underlying reads so that waiting for a decision and detecting a peer
// close never race with Read.
//
// While discarding, the pump drops what it reads instead of queueing it, so
// input nobody is waiting for can never stall it ahead of the peer's EOF.
type Conn struct {
	conn         net.Conn
	sessionID    string
	remote       string
	writeTimeout time.Duration

	chunks    chan []byte
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	discard   atomic.Bool
	discarded atomic.Int64
}

// NewConn wraps an established connection and starts its read pump.
func NewConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	c := &Conn{
		conn:         conn,
		sessionID:    uuid.New().String(),
		remote:       remote,
		writeTimeout: writeTimeout,
		chunks:       make(chan []byte, 16),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Conn) pump() {
	defer close(c.done)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 && c.discard.Load() {
			c.discarded.Add(int64(n))
			n = 0
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// SessionID identifies the connection in logs.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// RemoteAddr returns the engine side address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Write sends b in full.
func (c *Conn) Write(b []byte) error {
	select {
	case <-c.closed:
		return bkerrors.ErrConnectionClosed
	default:
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(b)
	return err
}

// Read returns the next chunk received from the peer. It fails with
// ErrTimeout when nothing arrives within a positive timeout and with
// ErrConnectionClosed once the peer is gone and all buffered data was
// consumed.
func (c *Conn) Read(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-c.chunks:
		return b, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case b := <-c.chunks:
		return b, nil
	case <-c.done:
		select {
		case b := <-c.chunks:
			return b, nil
		default:
		}
		return nil, bkerrors.ErrConnectionClosed
	case <-expired:
		return nil, bkerrors.ErrTimeout
	}
}

// Discard drops buffered input and everything received until the next
// Flush.
func (c *Conn) Discard() {
	c.discard.Store(true)
	c.discarded.Add(int64(c.drop()))
}

// Flush drops buffered input, resumes delivery to Read and returns the
// number of bytes dropped since Discard.
func (c *Conn) Flush() int {
	n := c.drop()
	c.discard.Store(false)
	return n + int(c.discarded.Swap(0))
}

func (c *Conn) drop() int {
	n := 0
	for {
		select {
		case b := <-c.chunks:
			n += len(b)
		default:
			return n
		}
	}
}

// Done is closed when the connection can no longer be read, either because
// the peer closed it or because Close was called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
