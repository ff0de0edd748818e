/*
Package directory implements the partitioned registry of chat users.

Every nickname maps to exactly one partition, and every operation that is keyed by
a nickname holds only that partition's lock for the length of its check-and-mutate.
Callers never see a lock. The only unkeyed operations (MarkOffline, HasOnline,
ListOnline, Registered) walk the partitions one lock at a time, so their results
are consistent per partition but not across the whole directory.

H is the connection handle type. Its zero value means "no connection".
*/
package directory

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"chatty/internal/app/history"
	"chatty/internal/app/stats"
	"chatty/internal/app/wire"
	"chatty/internal/pkg/logx"
)

// bucketCount mirrors the hash table width nicknames were originally spread over
// before being folded onto partitions.
const bucketCount = 1024

// MaxPartitions bounds the partition count.
const MaxPartitions = 128

var (
	ErrAlreadyRegistered = errors.New("directory: nickname already registered")
	ErrUnknownUser       = errors.New("directory: unknown nickname")
)

type user[H comparable] struct {
	online bool
	handle H
	hist   history.Queue
}

type partition[H comparable] struct {
	mu    sync.Mutex
	users map[string]*user[H]
}

// Directory is the registry. The zero value is not usable; call New.
type Directory[H comparable] struct {
	parts      []partition[H]
	historyCap int
	stats      *stats.Counters
	log        zerolog.Logger
}

// New builds a directory with the given partition count (clamped to
// [1, MaxPartitions]) whose users keep historyCap messages each.
func New[H comparable](partitions, historyCap int, counters *stats.Counters) *Directory[H] {
	partitions = min(max(partitions, 1), MaxPartitions)

	d := &Directory[H]{
		parts:      make([]partition[H], partitions),
		historyCap: historyCap,
		stats:      counters,
		log:        logx.Component("directory"),
	}
	for i := range d.parts {
		d.parts[i].users = make(map[string]*user[H])
	}
	return d
}

// hashPJW is the P.J. Weinberger string hash.
func hashPJW(key string) uint32 {
	const (
		bits          = 32
		threeQuarters = bits * 3 / 4
		oneEighth     = bits / 8
		highBits      = ^(^uint32(0) >> oneEighth)
	)

	var h uint32
	for i := 0; i < len(key); i++ {
		h = (h << oneEighth) + uint32(key[i])
		if top := h & highBits; top != 0 {
			h = (h ^ (top >> threeQuarters)) & ^highBits
		}
	}
	return h
}

// PartitionOf returns the index of the partition that owns nickname.
func (d *Directory[H]) PartitionOf(nickname string) int {
	return int(hashPJW(nickname)%bucketCount) % len(d.parts)
}

// Partitions returns the partition count.
func (d *Directory[H]) Partitions() int { return len(d.parts) }

// with runs fn while holding the lock of nickname's partition.
func (d *Directory[H]) with(nickname string, fn func(users map[string]*user[H]) error) error {
	p := &d.parts[d.PartitionOf(nickname)]
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.users)
}

// Register adds nickname as a new online user bound to handle.
func (d *Directory[H]) Register(nickname string, handle H) error {
	err := d.with(nickname, func(users map[string]*user[H]) error {
		if _, ok := users[nickname]; ok {
			return ErrAlreadyRegistered
		}
		users[nickname] = &user[H]{
			online: true,
			handle: handle,
			hist:   *history.New(d.historyCap),
		}
		d.stats.AddRegistered(1)
		d.stats.AddOnline(1)
		return nil
	})
	if err == nil {
		d.log.Debug().Str("nick", nickname).Msg("registered")
	}
	return err
}

// Unregister removes nickname together with its history. It returns the handle
// the user was bound to, or the zero handle if the user was offline.
func (d *Directory[H]) Unregister(nickname string) (H, error) {
	var handle H
	err := d.with(nickname, func(users map[string]*user[H]) error {
		u, ok := users[nickname]
		if !ok {
			return ErrUnknownUser
		}
		delete(users, nickname)
		d.stats.AddRegistered(-1)
		if u.online {
			handle = u.handle
			d.stats.AddOnline(-1)
		}
		return nil
	})
	if err == nil {
		d.log.Debug().Str("nick", nickname).Msg("unregistered")
	}
	return handle, err
}

// Connect marks nickname online on handle. If the user was already online on a
// different handle, that handle is returned as prev so the caller can release it.
func (d *Directory[H]) Connect(nickname string, handle H) (prev H, err error) {
	err = d.with(nickname, func(users map[string]*user[H]) error {
		u, ok := users[nickname]
		if !ok {
			return ErrUnknownUser
		}
		if !u.online {
			d.stats.AddOnline(1)
		} else if u.handle != handle {
			prev = u.handle
		}
		u.online = true
		u.handle = handle
		return nil
	})
	return prev, err
}

// MarkOffline marks offline every user bound to handle and returns their nicknames.
// The partitions are visited one at a time; no two partition locks are ever held together.
func (d *Directory[H]) MarkOffline(handle H) []string {
	var zero H
	if handle == zero {
		return nil
	}

	var names []string
	for i := range d.parts {
		p := &d.parts[i]
		p.mu.Lock()
		for nick, u := range p.users {
			if u.online && u.handle == handle {
				u.online = false
				u.handle = zero
				d.stats.AddOnline(-1)
				names = append(names, nick)
			}
		}
		p.mu.Unlock()
	}

	if len(names) > 0 {
		d.log.Debug().Strs("nicks", names).Msg("marked offline")
	}
	return names
}

// HasOnline reports whether any user is online on handle. Like MarkOffline it
// visits the partitions one at a time.
func (d *Directory[H]) HasOnline(handle H) bool {
	var zero H
	if handle == zero {
		return false
	}

	for i := range d.parts {
		p := &d.parts[i]
		p.mu.Lock()
		for _, u := range p.users {
			if u.online && u.handle == handle {
				p.mu.Unlock()
				return true
			}
		}
		p.mu.Unlock()
	}
	return false
}

func (d *Directory[H]) IsRegistered(nickname string) bool {
	return d.with(nickname, func(users map[string]*user[H]) error {
		if _, ok := users[nickname]; !ok {
			return ErrUnknownUser
		}
		return nil
	}) == nil
}

func (d *Directory[H]) IsOnline(nickname string) bool {
	_, online, _ := d.Lookup(nickname)
	return online
}

// Lookup returns the handle nickname is bound to and whether it is online.
func (d *Directory[H]) Lookup(nickname string) (handle H, online bool, err error) {
	err = d.with(nickname, func(users map[string]*user[H]) error {
		u, ok := users[nickname]
		if !ok {
			return ErrUnknownUser
		}
		handle, online = u.handle, u.online
		return nil
	})
	return handle, online, err
}

// ListOnline returns the online nicknames in ascending order.
func (d *Directory[H]) ListOnline() []string {
	return d.collect(func(u *user[H]) bool { return u.online })
}

// Registered returns every registered nickname in ascending order.
func (d *Directory[H]) Registered() []string {
	return d.collect(func(*user[H]) bool { return true })
}

func (d *Directory[H]) collect(keep func(u *user[H]) bool) []string {
	var names []string
	for i := range d.parts {
		p := &d.parts[i]
		p.mu.Lock()
		for nick, u := range p.users {
			if keep(u) {
				names = append(names, nick)
			}
		}
		p.mu.Unlock()
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered users.
func (d *Directory[H]) Len() int {
	n := 0
	for i := range d.parts {
		p := &d.parts[i]
		p.mu.Lock()
		n += len(p.users)
		p.mu.Unlock()
	}
	return n
}

// AppendHistory pushes msg into nickname's history. pending marks a message that
// has not reached its recipient yet.
func (d *Directory[H]) AppendHistory(nickname string, msg wire.Message, pending bool) error {
	return d.with(nickname, func(users map[string]*user[H]) error {
		u, ok := users[nickname]
		if !ok {
			return ErrUnknownUser
		}
		u.hist.Push(msg, pending)
		return nil
	})
}

// Deliver decides under the partition lock where msg goes. For an online user it
// returns the bound handle and leaves the history alone; the caller sends once the
// lock is gone. For an offline user msg is pushed into the history as pending.
func (d *Directory[H]) Deliver(nickname string, msg wire.Message) (handle H, online bool, err error) {
	err = d.with(nickname, func(users map[string]*user[H]) error {
		u, ok := users[nickname]
		if !ok {
			return ErrUnknownUser
		}
		if u.online {
			handle, online = u.handle, true
			return nil
		}
		u.hist.Push(msg, true)
		return nil
	})
	return handle, online, err
}

// History returns a copy of nickname's history, oldest first, and clears the
// pending flags. texts and files count the entries that were still pending.
func (d *Directory[H]) History(nickname string) (msgs []wire.Message, texts, files int, err error) {
	err = d.with(nickname, func(users map[string]*user[H]) error {
		u, ok := users[nickname]
		if !ok {
			return ErrUnknownUser
		}
		msgs, texts, files = u.hist.Snapshot()
		return nil
	})
	return msgs, texts, files, err
}
