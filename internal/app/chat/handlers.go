package chat

import (
	"context"
	"errors"
	"io"
	"slices"

	"chatty/internal/app/directory"
	"chatty/internal/app/storage"
	"chatty/internal/app/wire"
	"chatty/internal/pkg/errs"
)

// handle executes one decoded request. A returned error means the requester's own
// connection failed; every protocol-level failure is answered and returns nil.
func (s *Server) handle(ctx context.Context, c *Conn, msg wire.Message, file []byte) error {
	switch msg.Op {
	case wire.OpRegister:
		return s.register(c, msg)
	case wire.OpConnect:
		return s.connect(c, msg)
	case wire.OpUnregister:
		return s.unregister(c, msg)
	case wire.OpDisconnect:
		return s.disconnect(c)
	case wire.OpPostText:
		return s.postText(c, msg)
	case wire.OpPostTextAll:
		return s.postTextAll(c, msg)
	case wire.OpPostFile:
		return s.postFile(ctx, c, msg, file)
	case wire.OpGetFile:
		return s.getFile(ctx, c, msg)
	case wire.OpListUsers:
		return s.listUsers(c)
	case wire.OpGetHistory:
		return s.getHistory(c, msg)
	}

	c.logger.Warn().Stringer("op", msg.Op).Msg("Unknown operation.")
	return s.replyError(c, errs.NewError(errs.ErrInvalidRequest))
}

// replyOnline answers OK with the online users other than self.
func (s *Server) replyOnline(c *Conn, self string) error {
	names := slices.DeleteFunc(s.dir.ListOnline(), func(n string) bool { return n == self })
	return s.sendData(c, wire.OpOK, wire.EncodeNames(names))
}

func (s *Server) register(c *Conn, msg wire.Message) error {
	nick := msg.Sender
	if !wire.ValidName(nick) {
		return s.replyError(c, errs.NewError(errs.ErrInvalidNick))
	}

	if err := s.dir.Register(nick, c); err != nil {
		return s.replyError(c, errs.NewError(errs.ErrNickAlreadyInUse, nick))
	}
	c.bound.Store(true)

	return s.replyOnline(c, nick)
}

func (s *Server) connect(c *Conn, msg wire.Message) error {
	nick := msg.Sender

	prev, err := s.dir.Connect(nick, c)
	if err != nil {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, nick))
	}
	if prev != nil {
		prev.bound.Store(s.dir.HasOnline(prev))
		prev.logger.Info().Str("nick", nick).Msg("User moved to another connection.")
	}
	c.bound.Store(true)

	return s.replyOnline(c, nick)
}

// unregister removes the user named as receiver, or the sender when no receiver is given.
func (s *Server) unregister(c *Conn, msg wire.Message) error {
	target := msg.Receiver
	if target == "" {
		target = msg.Sender
	}

	h, err := s.dir.Unregister(target)
	if err != nil {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, target))
	}
	if h != nil {
		// other users may still be online on the same connection
		h.bound.Store(s.dir.HasOnline(h))
	}

	return s.sendHeader(c, wire.OpOK)
}

// disconnect takes the users of c offline but keeps the connection open.
func (s *Server) disconnect(c *Conn) error {
	s.dir.MarkOffline(c)
	c.bound.Store(false)

	return s.sendHeader(c, wire.OpOK)
}

// deliver routes m to nick: sent now when nick is online, queued in its history
// otherwise. keep records a message that was sent now in the history as well.
// A recipient whose socket fails during the send is dropped and the message is
// queued for it instead.
func (s *Server) deliver(nick string, m wire.Message, keep bool) error {
	file := m.Op == wire.OpFileMessage

	rc, online, err := s.dir.Deliver(nick, m)
	if err != nil {
		return err
	}
	if !online {
		s.stats.Queued(file)
		return nil
	}

	// the partition lock is gone; nick may change state before the send completes
	sendErr := s.send(rc, func(w io.Writer) error { return wire.WriteMessage(w, m) })
	if sendErr != nil {
		s.drop(rc, sendErr)
		if err := s.dir.AppendHistory(nick, m, true); err != nil {
			return err
		}
		s.stats.Queued(file)
		return nil
	}

	if keep {
		// an unregistration in between leaves nothing to keep the copy for
		_ = s.dir.AppendHistory(nick, m, false)
	}
	s.stats.Delivered(file)
	return nil
}

func (s *Server) postText(c *Conn, msg wire.Message) error {
	if !s.dir.IsRegistered(msg.Receiver) {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, msg.Receiver))
	}
	if len(msg.Body) > s.config.MaxMsgSize {
		return s.replyError(c, errs.NewError(errs.ErrMessageTooLong))
	}

	out := wire.Message{Op: wire.OpTextMessage, Sender: msg.Sender, Receiver: msg.Receiver, Body: msg.Body}
	if err := s.deliver(msg.Receiver, out, false); errors.Is(err, directory.ErrUnknownUser) {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, msg.Receiver))
	}

	return s.sendHeader(c, wire.OpOK)
}

// postTextAll sends a copy to every registered user except the sender.
func (s *Server) postTextAll(c *Conn, msg wire.Message) error {
	if len(msg.Body) > s.config.MaxMsgSize {
		return s.replyError(c, errs.NewError(errs.ErrMessageTooLong))
	}

	attempts, failed := s.fanOut(msg.Sender, s.dir.Registered(), msg.Body)

	c.logger.Debug().Int("recipients", attempts).Int("failed", failed).Msg("Broadcast done.")
	return s.sendHeader(c, wire.OpOK)
}

// fanOut delivers body from sender to each of recipients, skipping the sender.
// The list is a snapshot, so a recipient may be gone by the time its turn comes:
// such a copy is counted as an error and the rest are still delivered.
func (s *Server) fanOut(sender string, recipients []string, body []byte) (attempts, failed int) {
	for _, nick := range recipients {
		if nick == sender {
			continue
		}
		attempts++

		out := wire.Message{Op: wire.OpTextMessage, Sender: sender, Receiver: nick, Body: body}
		if err := s.deliver(nick, out, true); err != nil {
			failed++
			s.stats.Error()
		}
	}
	return attempts, failed
}

func (s *Server) postFile(ctx context.Context, c *Conn, msg wire.Message, file []byte) error {
	if !s.dir.IsRegistered(msg.Receiver) {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, msg.Receiver))
	}
	if len(file) == 0 {
		return s.replyError(c, errs.NewError(errs.ErrEmptyFile))
	}
	if int64(len(file)) > s.config.MaxFileBytes() {
		return s.replyError(c, errs.NewError(errs.ErrFileTooLong))
	}

	name, err := storage.CleanName(msg.Text())
	if err != nil {
		return s.replyError(c, errs.NewError(errs.ErrInvalidRequest))
	}
	if s.blobs == nil {
		return s.replyError(c, errs.NewError(errs.ErrFileStorageFailed))
	}
	if err := s.blobs.Store(ctx, name, file); err != nil {
		c.logger.Error().Err(err).Str("file", name).Msg("Storing posted file failed.")
		return s.replyError(c, errs.NewError(errs.ErrFileStorageFailed))
	}

	// the delivered body is the stored name, NUL-terminated for C clients
	out := wire.Message{
		Op:       wire.OpFileMessage,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Body:     append([]byte(name), 0),
	}
	if err := s.deliver(msg.Receiver, out, false); errors.Is(err, directory.ErrUnknownUser) {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, msg.Receiver))
	}

	return s.sendHeader(c, wire.OpOK)
}

func (s *Server) getFile(ctx context.Context, c *Conn, msg wire.Message) error {
	name, err := storage.CleanName(msg.Text())
	if err != nil {
		return s.replyError(c, errs.NewError(errs.ErrNoSuchFile, msg.Text()))
	}
	if s.blobs == nil {
		return s.replyError(c, errs.NewError(errs.ErrFileStorageFailed))
	}

	data, err := s.blobs.Load(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return s.replyError(c, errs.NewError(errs.ErrNoSuchFile, name))
	}
	if err != nil {
		c.logger.Error().Err(err).Str("file", name).Msg("Loading file failed.")
		return s.replyError(c, errs.NewError(errs.ErrFileStorageFailed))
	}

	if err := s.sendData(c, wire.OpOK, data); err != nil {
		return err
	}
	s.stats.Flushed(0, 1)
	return nil
}

func (s *Server) listUsers(c *Conn) error {
	return s.sendData(c, wire.OpOK, wire.EncodeNames(s.dir.ListOnline()))
}

// getHistory replays the requester's history oldest-first after a count frame.
// The whole batch is written under one send lock so live deliveries cannot
// interleave with it. The history itself is kept.
func (s *Server) getHistory(c *Conn, msg wire.Message) error {
	msgs, texts, files, err := s.dir.History(msg.Sender)
	if err != nil {
		return s.replyError(c, errs.NewError(errs.ErrUnknownNick, msg.Sender))
	}

	err = s.send(c, func(w io.Writer) error {
		count := wire.Message{Op: wire.OpOK, Sender: wire.ServerName, Body: wire.EncodeCount(uint64(len(msgs)))}
		if err := wire.WriteMessage(w, count); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := wire.WriteMessage(w, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.stats.Flushed(int64(texts), int64(files))
	return nil
}
