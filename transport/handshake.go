package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/protocol"
)

// VoiceKeySize is the length of the datagram sealing key derived from the
// control channel handshake.
const VoiceKeySize = 32

// handshakeSuite is the Noise cipher suite for control channel handshakes.
var handshakeSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// newHandshakeState builds an XX handshake state with a fresh static
// keypair. The XX pattern fits a client that has no prior knowledge of the
// server's key; identity is established afterwards by credential
// authentication, so static keys are per-session and never persisted.
func newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	staticKey, err := handshakeSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate static keypair: %w", err)
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   handshakeSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}
	return state, nil
}

// SecureClient runs the initiator side of the Noise XX handshake over an
// established control connection. On success it returns the connection
// wrapped in the sealed frame envelope plus the 32-byte key that seals
// voice datagrams for this session.
//
// Parameters:
//   - conn: a freshly dialed, still plaintext control connection
//
// Returns:
//   - ControlConn: the secured connection; all further frames are sealed
//   - []byte: the voice channel key, identical on both sides
//   - error: handshake failure; the caller should close conn
func SecureClient(conn ControlConn) (ControlConn, []byte, error) {
	state, err := newHandshakeState(true)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// -> e
	msg1, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write message 1: %v", ErrHandshakeFailed, err)
	}
	if err := writeHandshake(conn, msg1); err != nil {
		return nil, nil, err
	}

	// <- e, ee, s, es
	msg2, err := readHandshake(conn)
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := state.ReadMessage(nil, msg2); err != nil {
		return nil, nil, fmt.Errorf("%w: read message 2: %v", ErrHandshakeFailed, err)
	}

	// -> s, se
	msg3, send, recv, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write message 3: %v", ErrHandshakeFailed, err)
	}
	if err := writeHandshake(conn, msg3); err != nil {
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "SecureClient",
		"remote":   conn.RemoteAddr(),
	}).Debug("handshake complete")

	return newSecureConn(conn, send, recv), voiceKey(state), nil
}

// SecureServer runs the responder side of the Noise XX handshake. The
// client only ever initiates, but the responder role backs loopback
// servers in tests and embedded deployments.
func SecureServer(conn ControlConn) (ControlConn, []byte, error) {
	state, err := newHandshakeState(false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	msg1, err := readHandshake(conn)
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := state.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("%w: read message 1: %v", ErrHandshakeFailed, err)
	}

	msg2, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write message 2: %v", ErrHandshakeFailed, err)
	}
	if err := writeHandshake(conn, msg2); err != nil {
		return nil, nil, err
	}

	msg3, err := readHandshake(conn)
	if err != nil {
		return nil, nil, err
	}
	_, recv, send, err := state.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read message 3: %v", ErrHandshakeFailed, err)
	}

	return newSecureConn(conn, send, recv), voiceKey(state), nil
}

// voiceKey derives the datagram sealing key from the handshake hash. Both
// sides compute the same hash, so no key material crosses the wire.
func voiceKey(state *noise.HandshakeState) []byte {
	key := make([]byte, VoiceKeySize)
	copy(key, state.ChannelBinding())
	return key
}

func writeHandshake(conn ControlConn, message []byte) error {
	err := conn.WriteFrame(&protocol.Frame{Type: protocol.MsgHandshake, Body: message})
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrHandshakeFailed, err)
	}
	return nil
}

func readHandshake(conn ControlConn) ([]byte, error) {
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: receive: %v", ErrHandshakeFailed, err)
	}
	if f.Type != protocol.MsgHandshake {
		return nil, fmt.Errorf("%w: unexpected %s frame", ErrHandshakeFailed, f.Type)
	}
	return f.Body, nil
}
