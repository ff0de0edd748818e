package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxNameLength is the longest nickname accepted on the wire.
	MaxNameLength = 32

	// NameFieldSize is the fixed width of a name field, terminator included.
	NameFieldSize = MaxNameLength + 1

	// MaxPayload caps the length field of a data block before anything is allocated.
	MaxPayload = 64 << 20

	// ServerName is the sender written into every reply header.
	ServerName = "server"

	headerSize     = 4 + NameFieldSize
	dataHeaderSize = NameFieldSize + 4
)

var (
	// ErrNameTooLong is returned when a name does not fit its fixed-width field.
	ErrNameTooLong = errors.New("wire: name too long")

	// ErrPayloadTooLarge is returned when a data block announces more than MaxPayload bytes.
	// The oversized payload has been skipped by then.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

var byteOrder = binary.LittleEndian

// Message is a decoded frame. Messages are passed by value; Body is never
// mutated once the message has been built.
type Message struct {
	Op       Op
	Sender   string
	Receiver string
	Body     []byte
}

// Text returns the body interpreted as text, without a trailing NUL if present.
func (m Message) Text() string {
	return string(bytes.TrimRight(m.Body, "\x00"))
}

// Clone returns a copy of m that shares no memory with it.
func (m Message) Clone() Message {
	c := m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

func putName(dst []byte, name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	clear(dst[:NameFieldSize])
	copy(dst, name)
	return nil
}

// getName decodes a fixed-width name field. A field without its terminator holds
// a name longer than MaxNameLength.
func getName(src []byte) (string, error) {
	i := bytes.IndexByte(src, 0)
	if i < 0 {
		return string(src), fmt.Errorf("%w: unterminated name field", ErrNameTooLong)
	}
	return string(src[:i]), nil
}

// readFull reads exactly len(buf) bytes. atStart marks the first read of a frame:
// only there a clean end of stream is reported as io.EOF.
func readFull(r io.Reader, buf []byte, atStart bool) error {
	_, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && !atStart {
		return io.ErrUnexpectedEOF
	}
	return err
}

// discard skips n bytes of r without buffering them.
func discard(r io.Reader, n int64) error {
	_, err := io.CopyN(io.Discard, r, n)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Recoverable reports whether err was returned for a frame that has been read in
// full, so the stream can go on with the next frame.
func Recoverable(err error) bool {
	return errors.Is(err, ErrNameTooLong) || errors.Is(err, ErrPayloadTooLarge)
}

// writeFull writes buf completely, retrying short writes.
func writeFull(w io.Writer, buf []byte) error {
	for written := 0; written < len(buf); {
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		written += n
	}
	return nil
}

// ReadHeader reads a frame header. A stream closed before the first byte yields io.EOF.
// An unterminated sender yields ErrNameTooLong with the header fully consumed.
func ReadHeader(r io.Reader) (Op, string, error) {
	var buf [headerSize]byte
	if err := readFull(r, buf[:], true); err != nil {
		return 0, "", err
	}
	sender, err := getName(buf[4:])
	return Op(byteOrder.Uint32(buf[:4])), sender, err
}

// ReadData reads a data block: receiver, length and payload. An unterminated
// receiver yields ErrNameTooLong only after the payload has been consumed.
// A payload above MaxPayload is read and thrown away, then ErrPayloadTooLarge
// is returned with a nil body; the stream is positioned at the next frame.
func ReadData(r io.Reader) (string, []byte, error) {
	var hdr [dataHeaderSize]byte
	if err := readFull(r, hdr[:], false); err != nil {
		return "", nil, err
	}

	receiver, nameErr := getName(hdr[:NameFieldSize])
	length := byteOrder.Uint32(hdr[NameFieldSize:])
	if length > MaxPayload {
		if err := discard(r, int64(length)); err != nil {
			return "", nil, err
		}
		return receiver, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	if length == 0 {
		return receiver, nil, nameErr
	}

	body := make([]byte, length)
	if err := readFull(r, body, false); err != nil {
		return "", nil, err
	}
	return receiver, body, nameErr
}

// ReadMessage reads a full request: header followed by one data block.
// A Recoverable error is returned together with the decoded message once the
// whole frame has been read, so the stream stays in sync. When both the header
// and the data block are faulty, the header's error wins.
func ReadMessage(r io.Reader) (Message, error) {
	op, sender, err := ReadHeader(r)
	if err != nil && !Recoverable(err) {
		return Message{}, err
	}
	frameErr := err

	receiver, body, err := ReadData(r)
	if err != nil && !Recoverable(err) {
		return Message{}, fmt.Errorf("reading %s data: %w", op, err)
	}
	if frameErr == nil {
		frameErr = err
	}

	msg := Message{Op: op, Sender: sender, Receiver: receiver, Body: body}
	if frameErr != nil {
		return msg, fmt.Errorf("reading %s: %w", op, frameErr)
	}
	return msg, nil
}

func appendHeader(dst []byte, op Op, sender string) ([]byte, error) {
	var buf [headerSize]byte
	byteOrder.PutUint32(buf[:4], uint32(op))
	if err := putName(buf[4:], sender); err != nil {
		return nil, err
	}
	return append(dst, buf[:]...), nil
}

func appendData(dst []byte, receiver string, body []byte) ([]byte, error) {
	var buf [dataHeaderSize]byte
	if err := putName(buf[:NameFieldSize], receiver); err != nil {
		return nil, err
	}
	byteOrder.PutUint32(buf[NameFieldSize:], uint32(len(body)))
	dst = append(dst, buf[:]...)
	return append(dst, body...), nil
}

// WriteHeader writes a header-only frame.
func WriteHeader(w io.Writer, op Op, sender string) error {
	buf, err := appendHeader(make([]byte, 0, headerSize), op, sender)
	if err != nil {
		return err
	}
	return writeFull(w, buf)
}

// WriteData writes a lone data block, as used for the file bytes of a post-file request.
func WriteData(w io.Writer, receiver string, body []byte) error {
	buf, err := appendData(make([]byte, 0, dataHeaderSize+len(body)), receiver, body)
	if err != nil {
		return err
	}
	return writeFull(w, buf)
}

// WriteMessage writes header and data block as a single write.
func WriteMessage(w io.Writer, m Message) error {
	buf, err := appendHeader(make([]byte, 0, headerSize+dataHeaderSize+len(m.Body)), m.Op, m.Sender)
	if err != nil {
		return err
	}
	if buf, err = appendData(buf, m.Receiver, m.Body); err != nil {
		return err
	}
	return writeFull(w, buf)
}

// EncodeNames packs names into consecutive NUL-padded fields.
func EncodeNames(names []string) []byte {
	out := make([]byte, len(names)*NameFieldSize)
	for i, name := range names {
		// directory names are bounded by MaxNameLength on registration
		_ = putName(out[i*NameFieldSize:], name)
	}
	return out
}

// DecodeNames is the inverse of EncodeNames.
func DecodeNames(buf []byte) []string {
	names := make([]string, 0, len(buf)/NameFieldSize)
	for off := 0; off+NameFieldSize <= len(buf); off += NameFieldSize {
		// EncodeNames never writes an unterminated field
		name, _ := getName(buf[off : off+NameFieldSize])
		names = append(names, name)
	}
	return names
}

// EncodeCount encodes the message count sent ahead of a history replay.
func EncodeCount(n uint64) []byte {
	return byteOrder.AppendUint64(nil, n)
}

// DecodeCount decodes a history count payload.
func DecodeCount(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("wire: count payload of %d bytes", len(buf))
	}
	return byteOrder.Uint64(buf), nil
}

// ValidName reports whether name can be registered: non-empty and within MaxNameLength.
func ValidName(name string) bool {
	return name != "" && len(name) <= MaxNameLength && !bytes.ContainsRune([]byte(name), 0)
}
