package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatty/internal/app/workerpool"
)

type recorder struct {
	mu   sync.Mutex
	keys []int
}

func (r *recorder) done(k int) {
	r.mu.Lock()
	r.keys = append(r.keys, k)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func TestSubmitRunsEveryTask(t *testing.T) {
	rec := &recorder{}
	p := workerpool.New(4, 64, rec.done)

	var ran atomic.Int32
	for i := range 50 {
		require.NoError(t, p.Submit(workerpool.Task[int]{
			Key: i,
			Run: func() bool { ran.Add(1); return i%5 != 0 },
		}))
	}

	p.Shutdown(workerpool.Graceful)

	assert.Equal(t, int32(50), ran.Load())
	assert.Equal(t, 40, rec.len(), "tasks returning false are not handed back")
}

func TestSubmitQueueFull(t *testing.T) {
	const workers, capacity = 2, 3

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(workers)

	p := workerpool.New[int](workers, capacity, nil)
	block := func() bool {
		started.Done()
		<-release
		return false
	}
	for i := range workers {
		require.NoError(t, p.Submit(workerpool.Task[int]{Key: i, Run: block}))
	}
	started.Wait()
	require.Equal(t, workers, p.Active())

	noop := func() bool { return false }
	for i := range capacity {
		require.NoError(t, p.Submit(workerpool.Task[int]{Key: 100 + i, Run: noop}))
	}
	assert.ErrorIs(t, p.Submit(workerpool.Task[int]{Key: 999, Run: noop}), workerpool.ErrQueueFull)
	assert.Equal(t, capacity, p.Pending())

	close(release)
	p.Shutdown(workerpool.Graceful)
	assert.Zero(t, p.Pending())
}

func TestImmediateShutdownDiscardsQueue(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	started := make(chan struct{})

	p := workerpool.New(1, 10, rec.done)
	require.NoError(t, p.Submit(workerpool.Task[int]{Key: 1, Run: func() bool {
		close(started)
		<-release
		return true
	}}))
	<-started

	var ran atomic.Int32
	for i := range 5 {
		require.NoError(t, p.Submit(workerpool.Task[int]{Key: 10 + i, Run: func() bool { ran.Add(1); return true }}))
	}

	discarded := make(chan int, 1)
	go func() { discarded <- p.Shutdown(workerpool.Immediate) }()

	// Shutdown must wait for the running task.
	select {
	case <-discarded:
		t.Fatal("shutdown returned before the running task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	assert.Equal(t, 5, <-discarded)
	assert.Zero(t, ran.Load())
	assert.Zero(t, rec.len(), "interrupted tasks are not handed back")
}

func TestStopDoesNotWaitForRunningTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	p := workerpool.New[int](1, 4, nil)
	require.NoError(t, p.Submit(workerpool.Task[int]{Key: 1, Run: func() bool {
		close(started)
		<-release
		return false
	}}))
	<-started

	var ran atomic.Int32
	for i := range 3 {
		require.NoError(t, p.Submit(workerpool.Task[int]{Key: 10 + i, Run: func() bool { ran.Add(1); return false }}))
	}

	assert.Equal(t, 3, p.Stop(workerpool.Immediate))
	assert.Zero(t, p.Pending())
	assert.Equal(t, 1, p.Active())
	assert.ErrorIs(t, p.Submit(workerpool.Task[int]{Run: func() bool { return false }}), workerpool.ErrShuttingDown)

	close(release)
	p.Wait()
	assert.Zero(t, ran.Load())
	assert.Zero(t, p.Stop(workerpool.Graceful))
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := workerpool.New[int](2, 2, nil)
	p.Shutdown(workerpool.Graceful)

	err := p.Submit(workerpool.Task[int]{Run: func() bool { return false }})
	assert.ErrorIs(t, err, workerpool.ErrShuttingDown)

	// a second shutdown is a no-op
	assert.Zero(t, p.Shutdown(workerpool.Immediate))
}

func TestParseMode(t *testing.T) {
	m, err := workerpool.ParseMode("Immediate")
	require.NoError(t, err)
	assert.Equal(t, workerpool.Immediate, m)

	m, err = workerpool.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, workerpool.Graceful, m)

	_, err = workerpool.ParseMode("abrupt")
	assert.Error(t, err)
}
