/*
Package history implements the bounded per-user message history.

A Queue is a fixed-capacity ring: pushing into a full queue overwrites the oldest
entry, so a push never fails. Iteration is always oldest-first. A Queue is not
safe for concurrent use; it is owned by a directory record and guarded by that
record's partition lock.
*/
package history

import (
	"iter"

	"chatty/internal/app/wire"
)

// Entry is a message kept in a history queue.
// Pending is true until the message has reached its recipient once.
type Entry struct {
	Msg     wire.Message
	Pending bool
}

// Queue is a bounded circular buffer of entries.
type Queue struct {
	buf  []Entry
	head int // index of the oldest entry
	size int
}

// New returns an empty queue holding at most capacity entries (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]Entry, capacity)}
}

// Len returns the number of entries currently held.
func (q *Queue) Len() int { return q.size }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Push appends msg as the newest entry. When the queue is full the oldest entry
// is overwritten and returned with evicted set to true.
func (q *Queue) Push(msg wire.Message, pending bool) (old Entry, evicted bool) {
	entry := Entry{Msg: msg.Clone(), Pending: pending}

	if q.size < len(q.buf) {
		q.buf[(q.head+q.size)%len(q.buf)] = entry
		q.size++
		return Entry{}, false
	}

	old = q.buf[q.head]
	q.buf[q.head] = entry
	q.head = (q.head + 1) % len(q.buf)
	return old, true
}

// All yields the held entries oldest-first.
func (q *Queue) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for i := range q.size {
			if !yield(q.buf[(q.head+i)%len(q.buf)]) {
				return
			}
		}
	}
}

// Snapshot copies the held messages oldest-first and clears every pending flag.
// It reports how many of the copied messages were still pending, split by kind.
func (q *Queue) Snapshot() (msgs []wire.Message, pendingTexts, pendingFiles int) {
	msgs = make([]wire.Message, 0, q.size)
	for i := range q.size {
		e := &q.buf[(q.head+i)%len(q.buf)]
		msgs = append(msgs, e.Msg.Clone())
		if !e.Pending {
			continue
		}
		e.Pending = false
		if e.Msg.Op == wire.OpFileMessage {
			pendingFiles++
		} else {
			pendingTexts++
		}
	}
	return msgs, pendingTexts, pendingFiles
}
