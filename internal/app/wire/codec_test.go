package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatty/internal/app/wire"
)

// oneByteWriter accepts a single byte per call to exercise the short-write loop.
type oneByteWriter struct{ bytes.Buffer }

func (w *oneByteWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return w.Buffer.Write(p[:1])
}

func TestWriteMessageLayout(t *testing.T) {
	var buf bytes.Buffer
	err := wire.WriteMessage(&buf, wire.Message{
		Op:       wire.OpPostText,
		Sender:   "alice",
		Receiver: "bob",
		Body:     []byte("hi"),
	})
	require.NoError(t, err)

	raw := buf.Bytes()
	require.Len(t, raw, 4+wire.NameFieldSize+wire.NameFieldSize+4+2)

	assert.Equal(t, uint32(wire.OpPostText), binary.LittleEndian.Uint32(raw[:4]))
	assert.Equal(t, "alice", string(bytes.TrimRight(raw[4:4+wire.NameFieldSize], "\x00")))

	off := 4 + wire.NameFieldSize
	assert.Equal(t, "bob", string(bytes.TrimRight(raw[off:off+wire.NameFieldSize], "\x00")))
	off += wire.NameFieldSize
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[off:off+4]))
	assert.Equal(t, "hi", string(raw[off+4:]))
}

func TestReadMessageRoundTripThroughShortWrites(t *testing.T) {
	w := &oneByteWriter{}
	in := wire.Message{Op: wire.OpPostFile, Sender: "alice", Receiver: "bob", Body: []byte("notes.txt")}
	require.NoError(t, wire.WriteMessage(w, in))
	require.NoError(t, wire.WriteData(w, "", []byte("file-bytes")))

	out, err := wire.ReadMessage(&w.Buffer)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, blob, err := wire.ReadData(&w.Buffer)
	require.NoError(t, err)
	assert.Equal(t, "file-bytes", string(blob))
}

func TestReadHeaderCleanEOF(t *testing.T) {
	_, _, err := wire.ReadHeader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, wire.Message{Op: wire.OpPostText, Sender: "a", Receiver: "b", Body: []byte("hello")}))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := wire.ReadMessage(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, errors.Is(err, io.EOF))
}

// zeros is an endless stream of zero bytes.
type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func oversizedBlock(receiver string) []byte {
	hdr := make([]byte, wire.NameFieldSize+4)
	copy(hdr, receiver)
	binary.LittleEndian.PutUint32(hdr[wire.NameFieldSize:], wire.MaxPayload+1)
	return hdr
}

func TestReadDataSkipsOversizedPayload(t *testing.T) {
	var next bytes.Buffer
	require.NoError(t, wire.WriteMessage(&next, wire.Message{Op: wire.OpListUsers, Sender: "bob"}))

	r := io.MultiReader(
		bytes.NewReader(oversizedBlock("alice")),
		io.LimitReader(zeros{}, wire.MaxPayload+1),
		&next,
	)

	receiver, body, err := wire.ReadData(r)
	require.ErrorIs(t, err, wire.ErrPayloadTooLarge)
	assert.True(t, wire.Recoverable(err))
	assert.Equal(t, "alice", receiver)
	assert.Nil(t, body)

	msg, err := wire.ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", msg.Sender)
}

func TestReadDataOversizedPayloadTruncated(t *testing.T) {
	r := io.MultiReader(bytes.NewReader(oversizedBlock("")), io.LimitReader(zeros{}, 10))

	_, _, err := wire.ReadData(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, wire.Recoverable(err))
}

func TestWriteHeaderRejectsLongName(t *testing.T) {
	err := wire.WriteHeader(io.Discard, wire.OpOK, strings.Repeat("x", wire.MaxNameLength+1))
	assert.ErrorIs(t, err, wire.ErrNameTooLong)
}

func TestReadMessageUnterminatedNameKeepsStreamInSync(t *testing.T) {
	var buf bytes.Buffer
	frame := make([]byte, 4+wire.NameFieldSize)
	binary.LittleEndian.PutUint32(frame, uint32(wire.OpListUsers))
	copy(frame[4:], strings.Repeat("x", wire.NameFieldSize))
	buf.Write(frame)
	require.NoError(t, wire.WriteData(&buf, "", []byte("body")))
	require.NoError(t, wire.WriteMessage(&buf, wire.Message{Op: wire.OpListUsers, Sender: "bob"}))

	msg, err := wire.ReadMessage(&buf)
	assert.ErrorIs(t, err, wire.ErrNameTooLong)
	assert.Equal(t, wire.OpListUsers, msg.Op)
	assert.Equal(t, []byte("body"), msg.Body)

	next, err := wire.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, "bob", next.Sender)
}

func TestNamesAndCount(t *testing.T) {
	names := []string{"alice", "bob", strings.Repeat("z", wire.MaxNameLength)}
	encoded := wire.EncodeNames(names)
	assert.Len(t, encoded, len(names)*wire.NameFieldSize)
	assert.Equal(t, names, wire.DecodeNames(encoded))
	assert.Empty(t, wire.DecodeNames(wire.EncodeNames(nil)))

	n, err := wire.DecodeCount(wire.EncodeCount(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	_, err = wire.DecodeCount([]byte{1, 2})
	assert.Error(t, err)
}

func TestValidName(t *testing.T) {
	assert.True(t, wire.ValidName("alice"))
	assert.False(t, wire.ValidName(""))
	assert.False(t, wire.ValidName(strings.Repeat("x", wire.MaxNameLength+1)))
	assert.False(t, wire.ValidName("a\x00b"))
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "post-text-all", wire.OpPostTextAll.String())
	assert.Equal(t, "op(99)", wire.Op(99).String())
	assert.True(t, wire.OpDisconnect.IsRequest())
	assert.False(t, wire.OpOK.IsRequest())
}
