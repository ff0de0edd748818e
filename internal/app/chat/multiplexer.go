package chat

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatty/internal/app/workerpool"
	"chatty/internal/pkg/errs"
	"chatty/internal/pkg/limiter"
	"chatty/internal/pkg/randx"
)

// readyEvent reports that a watched handle has data to read, or that waiting for
// data failed (end of stream, reset, closed by the server).
type readyEvent struct {
	c   *Conn
	err error
}

// multiplexer owns the watched set. Only its run goroutine touches watched.
type multiplexer struct {
	s  *Server
	ln net.Listener

	accepted chan net.Conn
	ready    chan readyEvent
	watched  map[*Conn]struct{}

	// watchers and side routines outliving a dispatch
	watchers sync.WaitGroup
	side   sync.WaitGroup

	logger zerolog.Logger
}

// Serve runs the connection multiplexer on ln until ctx is done, then shuts the
// worker pool down according to the configured mode and closes every connection.
// ln is closed by Serve. Serve must be called at most once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.limiter = limiter.NewConnLimiter(ctx, s.config.RequestRate, s.config.RequestBurst)

	m := &multiplexer{
		s:        s,
		ln:       ln,
		accepted: make(chan net.Conn),
		ready:    make(chan readyEvent),
		watched:  make(map[*Conn]struct{}),
		logger:   s.logger,
	}
	return m.run(ctx)
}

func (m *multiplexer) run(ctx context.Context) error {
	// handlers outlive the cancellation while a graceful shutdown drains the queue
	taskCtx := context.WithoutCancel(ctx)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		m.acceptLoop(ctx)
	}()

	m.logger.Info().Str("addr", m.ln.Addr().String()).Msg("Multiplexer started.")

	for {
		select {
		case <-ctx.Done():
			m.shutdown(acceptDone)
			return nil

		case nc := <-m.accepted:
			c := m.s.track(nc)
			c.logger.Debug().Msg("Connection accepted.")
			m.arm(c)

		case ev := <-m.ready:
			m.dispatch(taskCtx, ev)

		case c := <-m.s.completions:
			m.rearm(c)
		}
	}
}

func (m *multiplexer) acceptLoop(ctx context.Context) {
	var delay time.Duration

	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			delay = min(max(2*delay, 5*time.Millisecond), time.Second)
			m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed.")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		delay = 0

		select {
		case m.accepted <- nc:
		case <-m.s.done:
			_ = nc.Close()
			return
		}
	}
}

func (m *multiplexer) setWatched(c *Conn, on bool) {
	if on {
		m.watched[c] = struct{}{}
	} else {
		delete(m.watched, c)
	}
	m.s.watched.Store(int64(len(m.watched)))
}

// arm starts watching c: a watcher goroutine parks until c is readable and then
// reports it to the run loop.
func (m *multiplexer) arm(c *Conn) {
	m.setWatched(c, true)

	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()

		err := c.waitReadable()
		select {
		case m.ready <- readyEvent{c: c, err: err}:
		case <-m.s.done:
		}
	}()
}

// rearm resumes watching c once the operation dispatched for it has completed.
func (m *multiplexer) rearm(c *Conn) {
	if c.Closed() {
		return
	}
	if _, ok := m.watched[c]; ok {
		m.logger.Error().Uint64("handle", c.id).Msg("Completion for a handle that is still watched.")
		return
	}
	m.arm(c)
}

// dispatch stops watching the handle and hands it to the worker pool. Requests that
// cannot be admitted are answered by a reject routine instead.
func (m *multiplexer) dispatch(ctx context.Context, ev readyEvent) {
	c := ev.c
	m.setWatched(c, false)

	if c.Closed() {
		return
	}

	if ev.err == nil {
		if ce := m.admit(c); ce != nil {
			m.reject(c, ce)
			return
		}
	}

	id := randx.TaskID()
	err := m.s.pool.Submit(workerpool.Task[*Conn]{
		ID:  id,
		Key: c,
		Run: func() bool { return m.s.serveOne(ctx, c, id) },
	})

	switch {
	case err == nil:
	case errors.Is(err, workerpool.ErrQueueFull) && ev.err == nil:
		m.reject(c, errs.NewError(errs.ErrQueueFull))
	default:
		// the socket is gone or the pool is stopping: nothing left to answer
		m.goSide(func() { m.s.drop(c, err) })
	}
}

// admit applies the connection ceiling and the per-connection rate limit.
// Handles already serving an online user are exempt from the ceiling.
func (m *multiplexer) admit(c *Conn) *errs.CustomError {
	if !c.bound.Load() && m.s.stats.Online() >= int64(m.s.config.MaxConnections) {
		return errs.NewError(errs.ErrServerFull)
	}
	if !m.s.limiter.Allow(c.id) {
		return errs.NewError(errs.ErrRateLimitExceeded)
	}
	return nil
}

// reject answers the pending request on c without involving the pool, then posts
// the completion itself so the run loop watches c again.
func (m *multiplexer) reject(c *Conn, ce *errs.CustomError) {
	m.goSide(func() {
		if err := m.s.rejectOne(c, ce); err != nil {
			m.s.drop(c, err)
			return
		}
		m.s.complete(c)
	})
}

func (m *multiplexer) goSide(fn func()) {
	m.side.Add(1)
	go func() {
		defer m.side.Done()
		fn()
	}()
}

func (m *multiplexer) shutdown(acceptDone <-chan struct{}) {
	m.logger.Info().Stringer("mode", m.s.mode).Msg("Multiplexer stopping.")

	m.s.stopCompletions()
	_ = m.ln.Close()
	<-acceptDone

	var discarded int
	if m.s.mode == workerpool.Immediate {
		// the queue goes first so no worker starts a request on a closing connection
		discarded = m.s.pool.Stop(workerpool.Immediate)
		m.s.closeAll()
		m.s.pool.Wait()
	} else {
		discarded = m.s.stopPool()
		m.s.closeAll()
	}

	m.side.Wait()
	m.watchers.Wait()

	m.logger.Info().Int("discarded_tasks", discarded).Msg("Multiplexer stopped.")
}
