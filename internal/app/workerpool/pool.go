/*
Package workerpool runs protocol operations on a fixed set of workers fed by one
bounded FIFO queue.

Submit never blocks: a full queue is reported to the caller, which answers the
client itself. Each task runs to completion on a single worker; when it asks to be
handed back, the pool reports its key through the completion callback given to New.
*/
package workerpool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatty/internal/pkg/logx"
	"chatty/internal/pkg/randx"
)

var (
	ErrQueueFull    = errors.New("workerpool: task queue is full")
	ErrShuttingDown = errors.New("workerpool: shutting down")
)

// Mode selects how Shutdown treats queued tasks.
type Mode int

const (
	// Graceful stops intake and lets every queued task run.
	Graceful Mode = iota
	// Immediate stops intake and discards the queue. Tasks already running finish
	// their current step but are not handed back.
	Immediate
)

// ParseMode maps a configuration value onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "graceful":
		return Graceful, nil
	case "immediate":
		return Immediate, nil
	}
	return Graceful, fmt.Errorf("unknown shutdown mode %q", s)
}

func (m Mode) String() string {
	if m == Immediate {
		return "immediate"
	}
	return "graceful"
}

// Task is one unit of work bound to a key (a connection handle).
// Run reports whether the key must be handed back through the completion callback.
type Task[K any] struct {
	ID  string
	Key K
	Run func() bool
}

type state int

const (
	running state = iota
	draining
	stopped
)

// Pool is a fixed-size worker pool.
type Pool[K any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []Task[K]
	capacity int
	state    state
	active   int

	done   func(K)
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New starts workers goroutines sharing a queue of the given capacity.
// done is called from the worker goroutine after every task that asks to be handed back.
func New[K any](workers, capacity int, done func(K)) *Pool[K] {
	workers = max(workers, 1)
	capacity = max(capacity, 1)

	p := &Pool[K]{
		queue:    make([]Task[K], 0, capacity),
		capacity: capacity,
		done:     done,
		logger:   logx.Component("workerpool"),
	}
	p.notEmpty = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	p.logger.Info().Int("workers", workers).Int("queue_capacity", capacity).Msg("Worker pool started.")
	return p
}

// Submit enqueues t and wakes one worker. An empty t.ID is filled in.
func (p *Pool[K]) Submit(t Task[K]) error {
	if t.ID == "" {
		t.ID = randx.TaskID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != running {
		return ErrShuttingDown
	}
	if len(p.queue) >= p.capacity {
		return ErrQueueFull
	}

	p.queue = append(p.queue, t)
	p.notEmpty.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool[K]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active returns the number of tasks currently running.
func (p *Pool[K]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool[K]) next() (Task[K], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && p.state == running {
		p.notEmpty.Wait()
	}
	if p.state == stopped || len(p.queue) == 0 {
		return Task[K]{}, false
	}

	t := p.queue[0]
	p.queue[0] = Task[K]{}
	p.queue = p.queue[1:]
	p.active++
	return t, true
}

func (p *Pool[K]) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With().Int("worker", id).Logger()

	for {
		t, ok := p.next()
		if !ok {
			logger.Debug().Msg("Worker exiting.")
			return
		}

		start := time.Now()
		handBack := t.Run()

		p.mu.Lock()
		p.active--
		discard := p.state == stopped
		p.mu.Unlock()

		logger.Debug().
			Str("task_id", t.ID).
			Dur("took", time.Since(start)).
			Bool("hand_back", handBack).
			Msg("Task finished.")

		if handBack && !discard && p.done != nil {
			p.done(t.Key)
		}
	}
}

// Stop ends intake without waiting for the workers. In Immediate mode the queue
// is dropped at once and its length returned; no worker picks up a task afterwards.
// Only the first call has an effect.
func (p *Pool[K]) Stop(mode Mode) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != running {
		return 0
	}

	discarded := 0
	if mode == Immediate {
		discarded = len(p.queue)
		clear(p.queue)
		p.queue = p.queue[:0]
		p.state = stopped
	} else {
		p.state = draining
	}
	p.notEmpty.Broadcast()

	p.logger.Info().Stringer("mode", mode).Int("discarded", discarded).Msg("Worker pool stopping.")
	return discarded
}

// Wait blocks until every worker has exited. It returns only after Stop.
func (p *Pool[K]) Wait() {
	p.wg.Wait()
}

// Shutdown stops intake and waits for every worker to exit.
// It returns the number of queued tasks that were discarded.
func (p *Pool[K]) Shutdown(mode Mode) int {
	discarded := p.Stop(mode)
	p.Wait()

	p.logger.Info().Msg("Worker pool stopped.")
	return discarded
}
