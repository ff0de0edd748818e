/*
Package stats holds the process-wide chat counters.

All counters live behind a single mutex that is held only for the duration of an
update; callers never hold it across I/O. Readers take a Snapshot.
*/
package stats

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatty/internal/pkg/logx"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Registered        int64 `json:"registered"`
	Online            int64 `json:"online"`
	Delivered         int64 `json:"delivered"`
	NotDelivered      int64 `json:"not_delivered"`
	FilesDelivered    int64 `json:"files_delivered"`
	FilesNotDelivered int64 `json:"files_not_delivered"`
	Errors            int64 `json:"errors"`
}

// WriteLine writes s as a single stats-file line stamped with now.
func (s Snapshot) WriteLine(w io.Writer, now time.Time) error {
	_, err := fmt.Fprintf(w, "%d - %d %d %d %d %d %d %d\n",
		now.Unix(),
		s.Registered,
		s.Online,
		s.Delivered,
		s.NotDelivered,
		s.FilesDelivered,
		s.FilesNotDelivered,
		s.Errors,
	)
	return err
}

// Counters is the shared counter block.
type Counters struct {
	mu sync.Mutex
	s  Snapshot

	logger zerolog.Logger
}

func New() *Counters {
	return &Counters{logger: logx.Component("stats")}
}

func (c *Counters) update(fn func(s *Snapshot)) {
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

func (c *Counters) AddRegistered(delta int64) {
	c.update(func(s *Snapshot) { s.Registered += delta })
}

func (c *Counters) AddOnline(delta int64) {
	c.update(func(s *Snapshot) { s.Online += delta })
}

// Online returns the current online count.
func (c *Counters) Online() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.Online
}

// Queued records a message that has not reached its recipient yet.
func (c *Counters) Queued(file bool) {
	c.update(func(s *Snapshot) {
		if file {
			s.FilesNotDelivered++
		} else {
			s.NotDelivered++
		}
	})
}

// Delivered records a message handed to its recipient on first attempt.
func (c *Counters) Delivered(file bool) {
	c.update(func(s *Snapshot) {
		if file {
			s.FilesDelivered++
		} else {
			s.Delivered++
		}
	})
}

// Flushed moves previously queued messages to the delivered columns.
// The not-delivered columns never drop below zero.
func (c *Counters) Flushed(texts, files int64) {
	c.update(func(s *Snapshot) {
		s.Delivered += texts
		s.NotDelivered = max(s.NotDelivered-texts, 0)
		s.FilesDelivered += files
		s.FilesNotDelivered = max(s.FilesNotDelivered-files, 0)
	})
}

// Error counts one failed operation.
func (c *Counters) Error() {
	c.update(func(s *Snapshot) { s.Errors++ })
}

// Snapshot returns a copy of the counters taken under the lock.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Dump appends the current snapshot to the stats file at path.
func (c *Counters) Dump(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open stats file: %w", err)
	}

	snap := c.Snapshot()
	if err := snap.WriteLine(f, time.Now()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write stats file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close stats file: %w", err)
	}

	c.logger.Debug().
		Str("path", path).
		Int64("online", snap.Online).
		Int64("errors", snap.Errors).
		Msg("stats dumped")
	return nil
}
