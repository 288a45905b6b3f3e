package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/voxcore/protocol"
)

// secureConn seals every control frame inside a MsgSealed envelope using
// the cipher states from the handshake. The stream is ordered, so the
// Noise nonce counters on both sides stay in lockstep without carrying
// nonces on the wire.
type secureConn struct {
	inner ControlConn
	send  *noise.CipherState
	recv  *noise.CipherState

	// sendMu serializes Encrypt calls; CipherState is not safe for
	// concurrent use and each call advances the nonce.
	sendMu sync.Mutex
}

func newSecureConn(inner ControlConn, send, recv *noise.CipherState) ControlConn {
	return &secureConn{inner: inner, send: send, recv: recv}
}

func (c *secureConn) WriteFrame(f *protocol.Frame) error {
	payload, err := f.Serialize()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	sealed, err := c.send.Encrypt(nil, nil, payload)
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("seal control frame: %w", err)
	}

	return c.inner.WriteFrame(&protocol.Frame{Type: protocol.MsgSealed, Body: sealed})
}

func (c *secureConn) ReadFrame() (*protocol.Frame, error) {
	envelope, err := c.inner.ReadFrame()
	if err != nil {
		return nil, err
	}
	if envelope.Type != protocol.MsgSealed {
		return nil, fmt.Errorf("%w: got %s", ErrNotSealed, envelope.Type)
	}

	payload, err := c.recv.Decrypt(nil, nil, envelope.Body)
	if err != nil {
		return nil, fmt.Errorf("open control frame: %w", err)
	}
	return protocol.ParseFrame(payload)
}

func (c *secureConn) Close() error {
	return c.inner.Close()
}

func (c *secureConn) RemoteAddr() net.Addr {
	return c.inner.RemoteAddr()
}
