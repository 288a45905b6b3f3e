package voxcore

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voxcore/config"
	"github.com/opd-ai/voxcore/protocol"
	"github.com/opd-ai/voxcore/session"
	"github.com/opd-ai/voxcore/transport"
)

// testServer accepts in-memory control connections and lets tests script
// the server side of the protocol.
type testServer struct {
	t     *testing.T
	conns chan *serverConn

	mu        sync.Mutex
	seq       uint32
	failDials bool
}

// serverConn is one accepted, secured connection.
type serverConn struct {
	server  *testServer
	secured transport.ControlConn
	raw     net.Conn
	inbound chan *protocol.Frame
}

func newTestServer(t *testing.T) *testServer {
	return &testServer{t: t, conns: make(chan *serverConn, 4)}
}

func (s *testServer) setFailDials(fail bool) {
	s.mu.Lock()
	s.failDials = fail
	s.mu.Unlock()
}

func (s *testServer) dialer() transport.Dialer {
	return func(ctx context.Context, address string) (transport.ControlConn, error) {
		s.mu.Lock()
		fail := s.failDials
		s.mu.Unlock()
		if fail {
			return nil, errors.New("dial refused")
		}

		clientEnd, serverEnd := net.Pipe()
		go func() {
			secured, _, err := transport.SecureServer(transport.NewStreamConn(serverEnd))
			if err != nil {
				serverEnd.Close()
				return
			}
			sc := &serverConn{
				server:  s,
				secured: secured,
				raw:     serverEnd,
				inbound: make(chan *protocol.Frame, 64),
			}
			go sc.readLoop()
			s.conns <- sc
		}()
		return transport.NewStreamConn(clientEnd), nil
	}
}

// accept returns the next secured connection the client established.
func (s *testServer) accept() *serverConn {
	s.t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(5 * time.Second):
		s.t.Fatal("no connection accepted")
		return nil
	}
}

func (sc *serverConn) readLoop() {
	for {
		f, err := sc.secured.ReadFrame()
		if err != nil {
			close(sc.inbound)
			return
		}
		if f.Type == protocol.MsgPing {
			_ = sc.secured.WriteFrame(&protocol.Frame{Type: protocol.MsgPong, Body: f.Body})
			continue
		}
		sc.inbound <- f
	}
}

// expect reads inbound frames until one of the wanted type arrives.
func (sc *serverConn) expect(messageType protocol.MessageType) *protocol.Frame {
	sc.server.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-sc.inbound:
			if !ok {
				sc.server.t.Fatalf("connection closed waiting for %s", messageType)
			}
			if f.Type == messageType {
				return f
			}
		case <-deadline:
			sc.server.t.Fatalf("timeout waiting for %s", messageType)
		}
	}
}

// send writes a frame with the server session's next sequence number.
func (sc *serverConn) send(messageType protocol.MessageType, body []byte) {
	sc.server.t.Helper()
	sc.server.mu.Lock()
	sc.server.seq++
	seq := sc.server.seq
	sc.server.mu.Unlock()

	err := sc.secured.WriteFrame(&protocol.Frame{Type: messageType, Seq: seq, Body: body})
	require.NoError(sc.server.t, err)
}

// sendWithSeq writes a frame with an explicit sequence number, for gap and
// duplicate scenarios.
func (sc *serverConn) sendWithSeq(messageType protocol.MessageType, seq uint32, body []byte) {
	sc.server.t.Helper()
	sc.server.mu.Lock()
	if int32(seq-sc.server.seq) > 0 {
		sc.server.seq = seq
	}
	sc.server.mu.Unlock()

	err := sc.secured.WriteFrame(&protocol.Frame{Type: messageType, Seq: seq, Body: body})
	require.NoError(sc.server.t, err)
}

func (sc *serverConn) acceptAuth(userID uint32, token []byte) {
	sc.server.t.Helper()
	f := sc.expect(protocol.MsgAuthRequest)
	req, err := protocol.ParseAuthRequest(f.Body)
	require.NoError(sc.server.t, err)
	assert.Equal(sc.server.t, protocol.Version, req.ProtocolVersion)
	assert.Equal(sc.server.t, uint16(20), req.FrameDurationMs)

	body, err := (&protocol.AuthResponse{
		Result:          protocol.AuthOK,
		UserID:          userID,
		SessionToken:    token,
		FrameDurationMs: 20,
	}).MarshalBody()
	require.NoError(sc.server.t, err)
	sc.send(protocol.MsgAuthResponse, body)
}

func (sc *serverConn) rejectAuth(result protocol.AuthResult) {
	sc.server.t.Helper()
	sc.expect(protocol.MsgAuthRequest)

	body, err := (&protocol.AuthResponse{Result: result}).MarshalBody()
	require.NoError(sc.server.t, err)
	sc.send(protocol.MsgAuthResponse, body)
}

func (sc *serverConn) sendSnapshot(snap *protocol.RoomSnapshot) {
	sc.server.t.Helper()
	body, err := snap.MarshalBody()
	require.NoError(sc.server.t, err)
	sc.send(protocol.MsgRoomSnapshot, body)
}

func (sc *serverConn) kill() {
	sc.raw.Close()
}

// basicSnapshot is a lobby with the local user in it.
func basicSnapshot(localID uint32) *protocol.RoomSnapshot {
	return &protocol.RoomSnapshot{
		RootID: 1,
		Rooms: []protocol.RoomInfo{
			{ID: 1, ParentID: 0, Name: "Lobby"},
			{ID: 2, ParentID: 1, Name: "Room A"},
		},
		Users: []protocol.UserInfo{
			{ID: localID, RoomID: 1, Name: "local"},
			{ID: 7, RoomID: 2, Name: "alice"},
		},
	}
}

// recorder captures client callbacks for assertions.
type recorder struct {
	mu       sync.Mutex
	statuses []session.Status
	errors   []error
	texts    []string
	moves    []uint32
}

func (r *recorder) install(c *Client) {
	c.OnStatusChanged(func(s session.Status) {
		r.mu.Lock()
		r.statuses = append(r.statuses, s)
		r.mu.Unlock()
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		r.errors = append(r.errors, err)
		r.mu.Unlock()
	})
	c.OnTextMessage(func(senderID, roomID uint32, text string) {
		r.mu.Lock()
		r.texts = append(r.texts, text)
		r.mu.Unlock()
	})
	c.OnUserMoved(func(userID, roomID uint32) {
		r.mu.Lock()
		r.moves = append(r.moves, userID)
		r.mu.Unlock()
	})
}

func (r *recorder) statusList() []session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Status(nil), r.statuses...)
}

func (r *recorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func (r *recorder) textList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestClient(t *testing.T, server *testServer) (*Client, *recorder) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Address = "testserver"
	cfg.Server.VoiceAddress = "127.0.0.1:9"
	cfg.Auth.Username = "local"
	cfg.Auth.Password = "secret"

	opts := NewOptions()
	opts.Config = cfg
	opts.Dialer = server.dialer()
	opts.ReconnectBaseDelay = 10 * time.Millisecond
	opts.AuthTimeout = 5 * time.Second

	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect() })

	rec := &recorder{}
	rec.install(client)
	return client, rec
}

// connectActive drives a client through auth and sync to Active.
func connectActive(t *testing.T, client *Client, server *testServer) *serverConn {
	t.Helper()

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(context.Background()) }()

	sc := server.accept()
	sc.acceptAuth(42, []byte("resume-token"))
	require.NoError(t, <-connected)

	sc.sendSnapshot(basicSnapshot(42))
	waitFor(t, "active status", func() bool { return client.Status() == session.StatusActive })
	return sc
}

func TestConnectLifecycle(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)

	connectActive(t, client, server)

	assert.Equal(t, []session.Status{
		session.StatusConnecting,
		session.StatusAuthenticating,
		session.StatusSyncing,
		session.StatusActive,
	}, rec.statusList())

	assert.Equal(t, uint32(42), client.LocalUserID())
	assert.Equal(t, uint32(1), client.RootRoomID())
	assert.Len(t, client.Rooms(), 2)
	assert.Len(t, client.Users(), 2)
}

func TestConnectWhileConnectedFails(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)

	connectActive(t, client, server)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestAuthRejection(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(context.Background()) }()

	sc := server.accept()
	sc.rejectAuth(protocol.AuthWrongPassword)

	err := <-connected
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, session.StatusDisconnected, client.Status())

	waitFor(t, "auth error callback", func() bool { return len(rec.errorList()) > 0 })
	assert.ErrorIs(t, rec.errorList()[0], ErrAuthRejected)
}

func TestJoinRoomRoundTrip(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)
	sc := connectActive(t, client, server)

	require.NoError(t, client.JoinRoom(2))

	f := sc.expect(protocol.MsgJoinRoom)
	req, err := protocol.ParseJoinRoom(f.Body)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), req.RoomID)

	// Server confirms with a delta.
	body, err := (&protocol.UserMoved{UserID: 42, RoomID: 2}).MarshalBody()
	require.NoError(t, err)
	sc.send(protocol.MsgUserMoved, body)

	waitFor(t, "local user moved", func() bool {
		user, ok := client.session.UserByID(42)
		return ok && user.RoomID == 2
	})
}

func TestTextMessageDelivery(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)
	sc := connectActive(t, client, server)

	require.NoError(t, client.SendText(1, "hello room"))
	f := sc.expect(protocol.MsgTextMessage)
	sent, err := protocol.ParseTextMessage(f.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello room", sent.Text)

	body, err := (&protocol.TextMessage{SenderID: 7, RoomID: 1, Text: "hi back"}).MarshalBody()
	require.NoError(t, err)
	sc.send(protocol.MsgTextMessage, body)

	waitFor(t, "inbound text", func() bool { return len(rec.textList()) == 1 })
	assert.Equal(t, "hi back", rec.textList()[0])
}

func TestSequenceGapTriggersResync(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)
	sc := connectActive(t, client, server)

	// Skip a sequence number; the client must not apply the delta and
	// must ask for a snapshot.
	body, err := (&protocol.UserMoved{UserID: 7, RoomID: 1}).MarshalBody()
	require.NoError(t, err)
	server.mu.Lock()
	gapSeq := server.seq + 2
	server.mu.Unlock()
	sc.sendWithSeq(protocol.MsgUserMoved, gapSeq, body)

	sc.expect(protocol.MsgResyncRequest)

	user, ok := client.session.UserByID(7)
	require.True(t, ok)
	assert.Equal(t, uint32(2), user.RoomID, "gapped delta must not be applied")

	// Resync snapshot brings the move in.
	snap := basicSnapshot(42)
	snap.Users[1].RoomID = 1
	sc.sendSnapshot(snap)

	waitFor(t, "resynced state", func() bool {
		user, ok := client.session.UserByID(7)
		return ok && user.RoomID == 1
	})
}

func TestDuplicateDeltaIgnored(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)
	sc := connectActive(t, client, server)

	body, err := (&protocol.UserMoved{UserID: 7, RoomID: 1}).MarshalBody()
	require.NoError(t, err)

	server.mu.Lock()
	seq := server.seq + 1
	server.mu.Unlock()
	sc.sendWithSeq(protocol.MsgUserMoved, seq, body)

	waitFor(t, "first delta applied", func() bool {
		user, ok := client.session.UserByID(7)
		return ok && user.RoomID == 1
	})

	// Same frame again: move the user back via a later delta and verify
	// the duplicate of the old one does nothing afterwards.
	back, err := (&protocol.UserMoved{UserID: 7, RoomID: 2}).MarshalBody()
	require.NoError(t, err)
	sc.sendWithSeq(protocol.MsgUserMoved, seq+1, back)
	waitFor(t, "second delta applied", func() bool {
		user, ok := client.session.UserByID(7)
		return ok && user.RoomID == 2
	})

	sc.sendWithSeq(protocol.MsgUserMoved, seq, body)

	// Give the duplicate time to arrive, then confirm it was ignored.
	time.Sleep(50 * time.Millisecond)
	user, ok := client.session.UserByID(7)
	require.True(t, ok)
	assert.Equal(t, uint32(2), user.RoomID)
}

func TestReconnectResumesSession(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)
	sc := connectActive(t, client, server)

	sc.kill()

	waitFor(t, "reconnecting status", func() bool {
		for _, s := range rec.statusList() {
			if s == session.StatusReconnecting {
				return true
			}
		}
		return false
	})

	next := server.accept()
	f := next.expect(protocol.MsgReconnectRequest)
	req, err := protocol.ParseReconnectRequest(f.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("resume-token"), req.SessionToken)
	assert.Equal(t, client.session.LastAppliedSeq(), req.LastSeq)

	body, err := (&protocol.AuthResponse{Result: protocol.AuthOK, UserID: 42}).MarshalBody()
	require.NoError(t, err)
	next.send(protocol.MsgAuthResponse, body)

	next.sendSnapshot(basicSnapshot(42))
	waitFor(t, "active after resume", func() bool { return client.Status() == session.StatusActive })

	// No connection-lost report on a successful resume.
	for _, err := range rec.errorList() {
		assert.NotErrorIs(t, err, ErrConnectionLost)
	}
}

func TestReconnectExhaustionReportsLossOnce(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)
	sc := connectActive(t, client, server)

	server.setFailDials(true)
	sc.kill()

	waitFor(t, "disconnected after exhaustion", func() bool {
		return client.Status() == session.StatusDisconnected
	})

	lost := 0
	for _, err := range rec.errorList() {
		if errors.Is(err, ErrConnectionLost) {
			lost++
		}
	}
	assert.Equal(t, 1, lost)

	statuses := rec.statusList()
	assert.Contains(t, statuses, session.StatusReconnecting)
	assert.Equal(t, session.StatusDisconnected, statuses[len(statuses)-1])
}

func TestCleanDisconnect(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)
	connectActive(t, client, server)

	require.NoError(t, client.Disconnect())

	statuses := rec.statusList()
	assert.Equal(t, session.StatusDisconnected, statuses[len(statuses)-1])
	assert.Contains(t, statuses, session.StatusDisconnecting)

	// No loss reported on a user-initiated teardown.
	for _, err := range rec.errorList() {
		assert.NotErrorIs(t, err, ErrConnectionLost)
	}

	err := client.Disconnect()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestOperationsWhileDisconnected(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)

	assert.ErrorIs(t, client.JoinRoom(1), ErrNotConnected)
	assert.ErrorIs(t, client.SendText(1, "x"), ErrNotConnected)
}

func TestReconnectResumesWithDeltaReplay(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)
	sc := connectActive(t, client, server)

	lastSeq := client.session.LastAppliedSeq()
	sc.kill()

	next := server.accept()
	f := next.expect(protocol.MsgReconnectRequest)
	req, err := protocol.ParseReconnectRequest(f.Body)
	require.NoError(t, err)
	assert.Equal(t, lastSeq, req.LastSeq)

	body, err := (&protocol.AuthResponse{Result: protocol.AuthOK, UserID: 42}).MarshalBody()
	require.NoError(t, err)
	next.sendWithSeq(protocol.MsgAuthResponse, 0, body)

	// The session is active again on the accepted resume alone; no
	// snapshot is required.
	waitFor(t, "active after delta-only resume", func() bool {
		return client.Status() == session.StatusActive
	})

	// The replayed delta continues the old sequence stream.
	moved, err := (&protocol.UserMoved{UserID: 7, RoomID: 1}).MarshalBody()
	require.NoError(t, err)
	next.send(protocol.MsgUserMoved, moved)
	waitFor(t, "replayed delta applied", func() bool {
		user, ok := client.session.UserByID(7)
		return ok && user.RoomID == 1
	})

	for _, err := range rec.errorList() {
		assert.NotErrorIs(t, err, ErrConnectionLost)
	}
}

func TestDisconnectDuringReconnectBackoff(t *testing.T) {
	server := newTestServer(t)
	client, rec := newTestClient(t, server)
	client.opts.ReconnectBaseDelay = 500 * time.Millisecond
	sc := connectActive(t, client, server)

	server.setFailDials(true)
	sc.kill()

	waitFor(t, "reconnecting status", func() bool {
		return client.Status() == session.StatusReconnecting
	})

	require.NoError(t, client.Disconnect())
	assert.Equal(t, session.StatusDisconnected, client.Status())

	// A user-initiated teardown never reports a connection loss.
	for _, err := range rec.errorList() {
		assert.NotErrorIs(t, err, ErrConnectionLost)
	}
}

func TestSnapshotImmediatelyBehindAuthVerdict(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(context.Background()) }()

	// The server writes the verdict and the snapshot back to back; the
	// dispatch order on the read loop must leave the client Active with
	// an intact dedup window.
	sc := server.accept()
	sc.expect(protocol.MsgAuthRequest)
	body, err := (&protocol.AuthResponse{
		Result:          protocol.AuthOK,
		UserID:          42,
		SessionToken:    []byte("tok"),
		FrameDurationMs: 20,
	}).MarshalBody()
	require.NoError(t, err)
	sc.send(protocol.MsgAuthResponse, body)
	sc.sendSnapshot(basicSnapshot(42))

	require.NoError(t, <-connected)
	waitFor(t, "active", func() bool { return client.Status() == session.StatusActive })

	// The delta right after the snapshot is in sequence, not a gap.
	moved, err := (&protocol.UserMoved{UserID: 7, RoomID: 1}).MarshalBody()
	require.NoError(t, err)
	sc.send(protocol.MsgUserMoved, moved)
	waitFor(t, "follow-up delta applied", func() bool {
		user, ok := client.session.UserByID(7)
		return ok && user.RoomID == 1
	})
}

func TestFrameDurationMismatchRejected(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(context.Background()) }()

	sc := server.accept()
	sc.expect(protocol.MsgAuthRequest)
	body, err := (&protocol.AuthResponse{
		Result:          protocol.AuthOK,
		UserID:          42,
		FrameDurationMs: 40,
	}).MarshalBody()
	require.NoError(t, err)
	sc.send(protocol.MsgAuthResponse, body)

	err = <-connected
	assert.ErrorIs(t, err, ErrFrameDurationMismatch)
	assert.Equal(t, session.StatusDisconnected, client.Status())
}

func TestConfiguredVolumesApplied(t *testing.T) {
	server := newTestServer(t)
	client, _ := newTestClient(t, server)
	client.cfg.Audio.Volumes = map[string]float64{"alice": 0.5}
	sc := connectActive(t, client, server)

	user, ok := client.session.UserByID(7)
	require.True(t, ok)
	assert.Equal(t, 0.5, user.Volume)

	// A runtime adjustment survives the next snapshot.
	require.NoError(t, client.SetUserVolume(7, 2.0))
	snap := basicSnapshot(42)
	snap.Users[1].RoomID = 1
	sc.sendSnapshot(snap)
	waitFor(t, "snapshot applied", func() bool {
		user, ok := client.session.UserByID(7)
		return ok && user.RoomID == 1
	})

	user, ok = client.session.UserByID(7)
	require.True(t, ok)
	assert.Equal(t, 2.0, user.Volume, "runtime volume wins over config")
}
