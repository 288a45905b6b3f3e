package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/protocol"
)

// ControlConn is one framed, ordered byte stream to the server. Reads and
// writes are safe for one concurrent reader plus any number of writers;
// Close unblocks a pending ReadFrame.
type ControlConn interface {
	// ReadFrame blocks until the next control frame arrives or the
	// connection fails.
	ReadFrame() (*protocol.Frame, error)

	// WriteFrame sends one control frame.
	WriteFrame(f *protocol.Frame) error

	// Close tears down the connection.
	Close() error

	// RemoteAddr reports the peer address for logging.
	RemoteAddr() net.Addr
}

// Dialer opens a ControlConn to a server address. DialTCP and
// DialWebSocket both satisfy this signature so the client can switch
// stream transports by configuration.
type Dialer func(ctx context.Context, address string) (ControlConn, error)

// streamConn frames a net.Conn with the length-prefixed control frame
// encoding.
type streamConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// DialTCP opens a TCP control connection.
//
// Parameters:
//   - ctx: bounds the connection attempt
//   - address: host:port of the server control listener
//
// Returns:
//   - ControlConn: the framed connection
//   - error: dial failure
func DialTCP(ctx context.Context, address string) (ControlConn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		// Control frames are small and latency sensitive.
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialTCP",
		"address":  address,
	}).Debug("control connection established")

	return NewStreamConn(conn), nil
}

// NewStreamConn wraps an established byte stream in the control frame
// encoding. Used by DialTCP and by tests that connect over net.Pipe.
func NewStreamConn(conn net.Conn) ControlConn {
	return &streamConn{conn: conn}
}

func (c *streamConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(c.conn)
}

func (c *streamConn) WriteFrame(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, f)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
