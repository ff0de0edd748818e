/*
Package chat contains the chat server: the connection multiplexer, the per-connection
send discipline and one handler per protocol operation.

This file defines Conn, the server side of one accepted client socket. At any instant
exactly one goroutine reads from a Conn: its readiness watcher while it is watched, or
the worker (or reject routine) it was handed to afterwards. Writes from any goroutine
are serialized by the send locks.
*/
package chat

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// sendLockCount is the size of the fixed send-lock array connections hash onto.
const sendLockCount = 32

// sendLocks serializes writes to the same peer. Two connections may share a lock,
// one connection always maps to the same lock.
type sendLocks [sendLockCount]sync.Mutex

func (l *sendLocks) with(id uint64, fn func() error) error {
	mu := &l[id%sendLockCount]
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Conn is an accepted client connection.
type Conn struct {
	id     uint64
	nc     net.Conn
	r      *bufio.Reader
	logger zerolog.Logger

	// bound is set while at least one registered user is online on this connection.
	bound atomic.Bool

	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(id uint64, nc net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		id: id,
		nc: nc,
		r:  bufio.NewReader(nc),
		logger: logger.With().
			Uint64("handle", id).
			Str("remote", remoteString(nc)).
			Logger(),
	}
}

func remoteString(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// ID returns the handle number of c.
func (c *Conn) ID() uint64 { return c.id }

// waitReadable blocks until at least one byte can be read or the connection fails.
func (c *Conn) waitReadable() error {
	_, err := c.r.Peek(1)
	return err
}

// reader returns the buffered reader; only the goroutine currently owning c may use it.
func (c *Conn) reader() io.Reader { return c.r }

// write runs fn against the socket with a write deadline of timeout.
// The caller must hold c's send lock.
func (c *Conn) write(timeout time.Duration, fn func(w io.Writer) error) error {
	if timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	return fn(c.nc)
}

// Close closes the socket once; later calls are no-ops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }
