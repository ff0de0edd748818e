package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatty/internal/app/directory"
	"chatty/internal/app/stats"
	"chatty/internal/app/storage"
	"chatty/internal/app/wire"
	"chatty/internal/app/workerpool"
	"chatty/internal/configs"
	"chatty/internal/pkg/errs"
	"chatty/internal/pkg/limiter"
	"chatty/internal/pkg/logx"
)

// Server is the process-wide chat context: it owns the user directory, the counters,
// the worker pool and the send locks, and hands them to every handler.
type Server struct {
	config *configs.AppConfig
	mode   workerpool.Mode

	dir     *directory.Directory[*Conn]
	stats   *stats.Counters
	blobs   storage.BlobStore
	pool    *workerpool.Pool[*Conn]
	limiter *limiter.ConnLimiter
	locks   sendLocks

	// completions carries handles whose operation finished back to the multiplexer.
	completions chan *Conn
	// done is closed when the multiplexer stops listening for completions.
	done     chan struct{}
	doneOnce sync.Once

	nextID  atomic.Uint64
	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	watched atomic.Int64

	logger zerolog.Logger
}

// Status is a point-in-time view of the server for the admin surface.
type Status struct {
	Stats       stats.Snapshot `json:"stats"`
	Connections int            `json:"connections"`
	Watched     int64          `json:"watched"`
	QueuedTasks int            `json:"queued_tasks"`
	ActiveTasks int            `json:"active_tasks"`
	Partitions  int            `json:"partitions"`
}

// NewServer builds the server context and starts its worker pool.
func NewServer(cfg *configs.AppConfig, blobs storage.BlobStore, counters *stats.Counters) (*Server, error) {
	mode, err := workerpool.ParseMode(cfg.ShutdownMode)
	if err != nil {
		return nil, err
	}
	if counters == nil {
		counters = stats.New()
	}

	s := &Server{
		config:      cfg,
		mode:        mode,
		dir:         directory.New[*Conn](cfg.ThreadsInPool, cfg.MaxHistMsgs, counters),
		stats:       counters,
		blobs:       blobs,
		completions: make(chan *Conn, cfg.QueueCapacity+cfg.ThreadsInPool),
		done:        make(chan struct{}),
		conns:       make(map[*Conn]struct{}),
		logger:      logx.Component("multiplexer"),
	}
	s.pool = workerpool.New(cfg.ThreadsInPool, cfg.QueueCapacity, s.complete)

	return s, nil
}

// Stats returns the shared counters.
func (s *Server) Stats() *stats.Counters { return s.stats }

// OnlineUsers returns the nicknames currently online, sorted.
func (s *Server) OnlineUsers() []string { return s.dir.ListOnline() }

// DumpStats appends the counters to the configured stats file.
func (s *Server) DumpStats() error { return s.stats.Dump(s.config.StatFileName) }

func (s *Server) Status() Status {
	s.connsMu.Lock()
	conns := len(s.conns)
	s.connsMu.Unlock()

	return Status{
		Stats:       s.stats.Snapshot(),
		Connections: conns,
		Watched:     s.watched.Load(),
		QueuedTasks: s.pool.Pending(),
		ActiveTasks: s.pool.Active(),
		Partitions:  s.dir.Partitions(),
	}
}

// complete hands c back to the multiplexer. After shutdown it is dropped silently.
func (s *Server) complete(c *Conn) {
	select {
	case s.completions <- c:
	case <-s.done:
	}
}

func (s *Server) track(nc net.Conn) *Conn {
	c := newConn(s.nextID.Add(1), nc, s.logger)

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	return c
}

// drop treats c as disconnected: every user bound to it goes offline and the
// socket is closed. It is safe to call more than once and from any goroutine.
func (s *Server) drop(c *Conn, reason error) {
	names := s.dir.MarkOffline(c)
	c.bound.Store(false)
	_ = c.Close()
	s.limiter.Forget(c.id)

	s.connsMu.Lock()
	_, live := s.conns[c]
	delete(s.conns, c)
	s.connsMu.Unlock()

	if !live {
		return
	}

	event := c.logger.Info()
	if reason == nil || errors.Is(reason, io.EOF) {
		event = c.logger.Debug()
	}
	event.Err(reason).Strs("nicks", names).Msg("Connection dropped.")
}

func (s *Server) closeAll() {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		s.drop(c, nil)
	}
}

// send writes to c under its send lock. Directory locks are never held here.
func (s *Server) send(c *Conn, fn func(w io.Writer) error) error {
	return s.locks.with(c.id, func() error {
		return c.write(s.config.WriteTimeout, fn)
	})
}

func (s *Server) sendHeader(c *Conn, op wire.Op) error {
	return s.send(c, func(w io.Writer) error {
		return wire.WriteHeader(w, op, wire.ServerName)
	})
}

func (s *Server) sendData(c *Conn, op wire.Op, body []byte) error {
	return s.send(c, func(w io.Writer) error {
		return wire.WriteMessage(w, wire.Message{Op: op, Sender: wire.ServerName, Body: body})
	})
}

// replyError counts one failed operation and answers it with the reply mapped to ce.
func (s *Server) replyError(c *Conn, ce *errs.CustomError) error {
	s.stats.Error()
	c.logger.Debug().Int("code", ce.Code).Stringer("reply", ce.Reply).Msg(ce.Message)
	return s.sendHeader(c, ce.Reply)
}

// readRequest reads one full request from c. A post-file request is followed by a
// second data block holding the file contents, which is returned as file.
// A wire.Recoverable error is returned only after the whole request has been consumed.
func readRequest(c *Conn) (msg wire.Message, file []byte, err error) {
	msg, err = wire.ReadMessage(c.reader())
	if err != nil && !wire.Recoverable(err) {
		return wire.Message{}, nil, err
	}
	if msg.Op == wire.OpPostFile {
		_, data, ferr := wire.ReadData(c.reader())
		if ferr != nil && !wire.Recoverable(ferr) {
			return wire.Message{}, nil, fmt.Errorf("reading post-file contents: %w", ferr)
		}
		if err == nil && ferr != nil {
			err = fmt.Errorf("reading post-file contents: %w", ferr)
		}
		file = data
	}
	return msg, file, err
}

// frameError maps a recoverable read error to the reply the request gets.
func frameError(op wire.Op, err error) *errs.CustomError {
	switch {
	case errors.Is(err, wire.ErrNameTooLong):
		return errs.NewError(errs.ErrInvalidNick)
	case op == wire.OpPostFile:
		return errs.NewError(errs.ErrFileTooLong)
	default:
		return errs.NewError(errs.ErrMessageTooLong)
	}
}

// serveOne reads and executes one request on c. It reports whether c must be
// watched again.
func (s *Server) serveOne(ctx context.Context, c *Conn, taskID string) bool {
	msg, file, err := readRequest(c)
	switch {
	case err == nil:
	case wire.Recoverable(err):
		c.logger.Debug().Err(err).Stringer("op", msg.Op).Msg("Malformed request skipped.")
		if err := s.replyError(c, frameError(msg.Op, err)); err != nil {
			s.drop(c, err)
			return false
		}
		return true
	default:
		s.drop(c, err)
		return false
	}

	logger := c.logger.With().Str("task_id", taskID).Stringer("op", msg.Op).Logger()
	start := time.Now()

	if err := s.handle(ctx, c, msg, file); err != nil {
		s.drop(c, err)
		return false
	}

	logger.Debug().Str("sender", msg.Sender).Dur("took", time.Since(start)).Msg("Request served.")
	return true
}

// rejectOne drains the pending request on c within RejectTimeout and answers it
// with the reply mapped to ce.
func (s *Server) rejectOne(c *Conn, ce *errs.CustomError) error {
	_ = c.nc.SetReadDeadline(time.Now().Add(s.config.RejectTimeout))
	msg, _, err := readRequest(c)
	_ = c.nc.SetReadDeadline(time.Time{})
	if err != nil && !wire.Recoverable(err) {
		return err
	}

	c.logger.Info().Stringer("op", msg.Op).Int("code", ce.Code).Msg("Request rejected.")
	return s.replyError(c, ce)
}

// Shutdown hooks used by the multiplexer.

func (s *Server) stopCompletions() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Server) stopPool() int {
	return s.pool.Shutdown(s.mode)
}
