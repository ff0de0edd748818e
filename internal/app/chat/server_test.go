package chat_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatty/internal/app/wire"
	"chatty/internal/configs"
)

func TestDeliveryAndOfflineHistory(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	assert.Empty(t, alice.register("alice"))

	bob := dial(t, srv)
	assert.Equal(t, []string{"alice"}, bob.register("bob"))

	alice.sendText(wire.OpPostText, "alice", "bob", "hi")
	got := bob.message()
	assert.Equal(t, wire.OpTextMessage, got.Op)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hi", got.Text())
	alice.expect(wire.OpOK)
	assert.EqualValues(t, 1, srv.Stats().Snapshot().Delivered)

	require.NoError(t, bob.nc.Close())
	require.Eventually(t, func() bool { return srv.Stats().Online() == 1 }, ioTimeout, 10*time.Millisecond)

	alice.sendText(wire.OpPostText, "alice", "bob", "are you there")
	alice.expect(wire.OpOK)
	assert.EqualValues(t, 1, srv.Stats().Snapshot().NotDelivered)

	bob2 := dial(t, srv)
	bob2.send(wire.OpConnect, "bob", "", nil)
	assert.Equal(t, []string{"alice"}, bob2.names())

	hist := bob2.history("bob")
	require.Len(t, hist, 1)
	assert.Equal(t, wire.OpTextMessage, hist[0].Op)
	assert.Equal(t, "alice", hist[0].Sender)
	assert.Equal(t, "are you there", hist[0].Text())

	snap := srv.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.Registered)
	assert.EqualValues(t, 2, snap.Online)
	assert.EqualValues(t, 2, snap.Delivered)
	assert.EqualValues(t, 0, snap.NotDelivered)
	assert.EqualValues(t, 0, snap.Errors)
}

func TestRegisterAndConnectErrors(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.register("alice")

	other := dial(t, srv)
	other.send(wire.OpRegister, "alice", "", nil)
	other.expect(wire.OpNickAlready)

	other.send(wire.OpConnect, "carol", "", nil)
	other.expect(wire.OpNickUnknown)

	other.send(wire.OpRegister, "", "", nil)
	other.expect(wire.OpFail)

	assert.EqualValues(t, 3, srv.Stats().Snapshot().Errors)
	assert.EqualValues(t, 1, srv.Stats().Snapshot().Registered)
}

func TestPostTextErrors(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.register("alice")

	alice.sendText(wire.OpPostText, "alice", "nobody", "hello")
	alice.expect(wire.OpNickUnknown)

	alice.register("bob")
	alice.send(wire.OpPostText, "alice", "bob", bytes.Repeat([]byte("x"), 65))
	alice.expect(wire.OpMessageTooLong)

	alice.send(wire.OpPostTextAll, "alice", "", bytes.Repeat([]byte("x"), 65))
	alice.expect(wire.OpMessageTooLong)

	assert.EqualValues(t, 3, srv.Stats().Snapshot().Errors)
}

func TestBroadcastReachesOnlineAndQueuesOffline(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.register("alice")
	bob := dial(t, srv)
	bob.register("bob")
	carol := dial(t, srv)
	carol.register("carol")

	carol.send(wire.OpDisconnect, "carol", "", nil)
	carol.expect(wire.OpOK)
	assert.Equal(t, []string{"alice", "bob"}, srv.OnlineUsers())

	alice.sendText(wire.OpPostTextAll, "alice", "", "yo")
	got := bob.message()
	assert.Equal(t, "yo", got.Text())
	assert.Equal(t, "bob", got.Receiver)
	alice.expect(wire.OpOK)

	snap := srv.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Delivered)
	assert.EqualValues(t, 1, snap.NotDelivered)

	hist := carol.history("carol")
	require.Len(t, hist, 1)
	assert.Equal(t, "alice", hist[0].Sender)

	snap = srv.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.Delivered)
	assert.EqualValues(t, 0, snap.NotDelivered)

	// the copy bob already received stays in his scrollback
	assert.Len(t, bob.history("bob"), 1)
	assert.EqualValues(t, 2, srv.Stats().Snapshot().Delivered)

	// history is replayed, not consumed
	assert.Len(t, carol.history("carol"), 1)
}

func TestPostAndGetFile(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.register("alice")
	bob := dial(t, srv)
	bob.register("bob")

	alice.postFile("alice", "bob", "/tmp/x/notes.txt", []byte("hello"))
	got := bob.message()
	assert.Equal(t, wire.OpFileMessage, got.Op)
	assert.Equal(t, "notes.txt", got.Text())
	alice.expect(wire.OpOK)
	assert.EqualValues(t, 1, srv.Stats().Snapshot().FilesDelivered)

	bob.sendText(wire.OpGetFile, "bob", "", "notes.txt")
	data := bob.message()
	assert.Equal(t, wire.OpOK, data.Op)
	assert.Equal(t, []byte("hello"), data.Body)

	snap := srv.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.FilesDelivered)
	assert.EqualValues(t, 0, snap.FilesNotDelivered)

	bob.sendText(wire.OpGetFile, "bob", "", "missing.txt")
	bob.expect(wire.OpNoSuchFile)

	alice.postFile("alice", "bob", "empty.bin", nil)
	alice.expect(wire.OpFail)

	alice.postFile("alice", "bob", "big.bin", bytes.Repeat([]byte("z"), 2048))
	alice.expect(wire.OpMessageTooLong)

	alice.postFile("alice", "nobody", "a.txt", []byte("a"))
	alice.expect(wire.OpNickUnknown)

	assert.EqualValues(t, 4, srv.Stats().Snapshot().Errors)
}

func TestUnregisterAndListUsers(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.register("alice")
	bob := dial(t, srv)
	bob.register("bob")

	alice.send(wire.OpListUsers, "alice", "", nil)
	assert.Equal(t, []string{"alice", "bob"}, alice.names())

	alice.send(wire.OpUnregister, "alice", "bob", nil)
	alice.expect(wire.OpOK)

	alice.send(wire.OpListUsers, "alice", "", nil)
	assert.Equal(t, []string{"alice"}, alice.names())

	alice.send(wire.OpUnregister, "alice", "bob", nil)
	alice.expect(wire.OpNickUnknown)

	snap := srv.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Registered)
	assert.EqualValues(t, 1, snap.Online)
}

func TestUnknownOperationKeepsConnection(t *testing.T) {
	srv := startServer(t, nil)

	c := dial(t, srv)
	c.send(wire.Op(99), "x", "", nil)
	c.expect(wire.OpFail)

	c.send(wire.OpListUsers, "x", "", nil)
	assert.Empty(t, c.names())
}

func TestUnterminatedNameFails(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)

	frame := make([]byte, 4+wire.NameFieldSize)
	binary.LittleEndian.PutUint32(frame, uint32(wire.OpRegister))
	copy(frame[4:], strings.Repeat("n", wire.NameFieldSize))
	var req bytes.Buffer
	req.Write(frame)
	require.NoError(t, wire.WriteData(&req, "", nil))
	_, err := c.nc.Write(req.Bytes())
	require.NoError(t, err)

	c.expect(wire.OpFail)
	assert.EqualValues(t, 0, srv.Stats().Snapshot().Registered)

	assert.Empty(t, c.register("nora"))
}

// zeros is an endless stream of zero bytes.
type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// sendOversized writes prefix and then a data block that announces and carries
// one byte more than a data block may hold.
func (c *client) sendOversized(prefix []byte, receiver string) {
	c.t.Helper()

	block := make([]byte, wire.NameFieldSize+4)
	copy(block, receiver)
	binary.LittleEndian.PutUint32(block[wire.NameFieldSize:], wire.MaxPayload+1)

	require.NoError(c.t, c.nc.SetWriteDeadline(time.Now().Add(6*ioTimeout)))
	_, err := c.nc.Write(append(prefix, block...))
	require.NoError(c.t, err)
	_, err = io.Copy(c.nc, io.LimitReader(zeros{}, wire.MaxPayload+1))
	require.NoError(c.t, err)
	require.NoError(c.t, c.nc.SetWriteDeadline(time.Time{}))
}

func TestOversizedPayloadKeepsConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("streams more than 128 MiB over loopback")
	}

	srv := startServer(t, nil)
	alice := dial(t, srv)
	alice.register("alice")
	bob := dial(t, srv)
	bob.register("bob")

	var req bytes.Buffer
	require.NoError(t, wire.WriteMessage(&req, wire.Message{Op: wire.OpPostFile, Sender: "alice", Receiver: "bob", Body: []byte("huge.bin\x00")}))
	alice.sendOversized(req.Bytes(), "")
	alice.expect(wire.OpMessageTooLong)

	req.Reset()
	require.NoError(t, wire.WriteHeader(&req, wire.OpPostText, "alice"))
	alice.sendOversized(req.Bytes(), "bob")
	alice.expect(wire.OpMessageTooLong)

	alice.send(wire.OpListUsers, "alice", "", nil)
	assert.Equal(t, []string{"alice", "bob"}, alice.names())

	snap := srv.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.Errors)
	assert.Zero(t, snap.FilesDelivered+snap.FilesNotDelivered)
	assert.Zero(t, snap.Delivered+snap.NotDelivered)

	bob.send(wire.OpGetFile, "bob", "", []byte("huge.bin\x00"))
	bob.expect(wire.OpNoSuchFile)
}

func TestConnectionCeiling(t *testing.T) {
	srv := startServer(t, func(cfg *configs.AppConfig) { cfg.MaxConnections = 1 })

	alice := dial(t, srv)
	alice.register("alice")

	bob := dial(t, srv)
	bob.send(wire.OpRegister, "bob", "", nil)
	bob.expect(wire.OpFail)
	assert.EqualValues(t, 1, srv.Stats().Snapshot().Errors)

	// online users keep being served at the ceiling
	alice.send(wire.OpListUsers, "alice", "", nil)
	assert.Equal(t, []string{"alice"}, alice.names())

	alice.send(wire.OpDisconnect, "alice", "", nil)
	alice.expect(wire.OpOK)

	assert.Empty(t, bob.register("bob"))
}

func TestCeilingServesConnectionWithRemainingNick(t *testing.T) {
	srv := startServer(t, func(cfg *configs.AppConfig) { cfg.MaxConnections = 2 })

	shared := dial(t, srv)
	shared.register("alice")
	carol := dial(t, srv)
	carol.register("carol")

	// a connection already serving a user registers past the ceiling
	shared.register("bob")
	assert.EqualValues(t, 3, srv.Stats().Online())

	shared.send(wire.OpUnregister, "bob", "", nil)
	shared.expect(wire.OpOK)
	require.EqualValues(t, 2, srv.Stats().Online())

	// alice is still online here, so the ceiling does not apply
	shared.send(wire.OpListUsers, "alice", "", nil)
	assert.Equal(t, []string{"alice", "carol"}, shared.names())
	assert.Zero(t, srv.Stats().Snapshot().Errors)
}

func TestQueueFullRejectsRequest(t *testing.T) {
	srv := startServer(t, func(cfg *configs.AppConfig) {
		cfg.ThreadsInPool = 1
		cfg.QueueCapacity = 1
	})

	var req bytes.Buffer
	require.NoError(t, wire.WriteMessage(&req, wire.Message{Op: wire.OpListUsers, Sender: "a"}))

	// a half-written request keeps the only worker busy
	staller := dial(t, srv)
	_, err := staller.nc.Write(req.Bytes()[:2])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Status().ActiveTasks == 1 }, ioTimeout, 5*time.Millisecond)

	queued := dial(t, srv)
	queued.send(wire.OpListUsers, "b", "", nil)
	require.Eventually(t, func() bool { return srv.Status().QueuedTasks == 1 }, ioTimeout, 5*time.Millisecond)

	rejected := dial(t, srv)
	rejected.send(wire.OpListUsers, "c", "", nil)
	rejected.expect(wire.OpFail)
	assert.EqualValues(t, 1, srv.Stats().Snapshot().Errors)

	_, err = staller.nc.Write(req.Bytes()[2:])
	require.NoError(t, err)
	assert.Empty(t, staller.names())
	assert.Empty(t, queued.names())

	// the rejected connection is watched again
	rejected.send(wire.OpListUsers, "c", "", nil)
	assert.Empty(t, rejected.names())
}

func TestConcurrentBroadcastsDoNotInterleave(t *testing.T) {
	srv := startServer(t, nil)

	sink := dial(t, srv)
	sink.register("sink")

	const senders, each = 4, 20
	clients := make([]*client, senders)
	for i := range clients {
		clients[i] = dial(t, srv)
		clients[i].register(fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Go(func() {
			nick := fmt.Sprintf("s%d", i)
			for n := range each {
				body := append([]byte(fmt.Sprintf("%s-%d", nick, n)), 0)
				if err := wire.WriteMessage(c.nc, wire.Message{Op: wire.OpPostTextAll, Sender: nick, Body: body}); err != nil {
					return
				}
			}
		})
	}
	wg.Wait()

	seen := make(map[string]bool)
	for range senders * each {
		m := sink.message()
		require.Equal(t, wire.OpTextMessage, m.Op)
		require.Equal(t, fmt.Sprintf("%s-", m.Sender), m.Text()[:len(m.Sender)+1])
		seen[m.Text()] = true
	}
	assert.Len(t, seen, senders*each)
}

func TestGracefulStopClosesConnections(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.register("alice")

	srv.stop(t)

	require.NoError(t, alice.nc.SetReadDeadline(time.Now().Add(ioTimeout)))
	_, err := alice.nc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestImmediateStopDiscardsQueuedRequests(t *testing.T) {
	srv := startServer(t, func(cfg *configs.AppConfig) {
		cfg.ShutdownMode = "immediate"
		cfg.ThreadsInPool = 1
	})

	var req bytes.Buffer
	require.NoError(t, wire.WriteMessage(&req, wire.Message{Op: wire.OpListUsers, Sender: "a"}))

	// a half-written request keeps the only worker busy
	staller := dial(t, srv)
	_, err := staller.nc.Write(req.Bytes()[:2])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Status().ActiveTasks == 1 }, ioTimeout, 5*time.Millisecond)

	queued := dial(t, srv)
	queued.send(wire.OpListUsers, "b", "", nil)
	require.Eventually(t, func() bool { return srv.Status().QueuedTasks == 1 }, ioTimeout, 5*time.Millisecond)

	// a graceful stop would wait on the staller forever
	srv.stop(t)

	status := srv.Status()
	assert.Zero(t, status.QueuedTasks)
	assert.Zero(t, status.ActiveTasks)
	assert.Zero(t, status.Connections)

	// the queued request is dropped unanswered
	for _, c := range []*client{staller, queued} {
		require.NoError(t, c.nc.SetReadDeadline(time.Now().Add(ioTimeout)))
		n, err := c.nc.Read(make([]byte, 1))
		assert.Zero(t, n)
		assert.Error(t, err)
	}
}
