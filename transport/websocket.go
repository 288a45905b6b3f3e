package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/protocol"
)

// wsConn carries control frames as binary WebSocket messages. Message
// boundaries come from the WebSocket layer, so frames travel in payload
// form without the stream length prefix.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket opens a WebSocket control connection. Useful where plain
// TCP is blocked and the server exposes its control channel behind an
// HTTP endpoint.
//
// Parameters:
//   - ctx: bounds the connection attempt
//   - address: ws:// or wss:// URL of the server control endpoint
//
// Returns:
//   - ControlConn: the framed connection
//   - error: dial or upgrade failure
func DialWebSocket(ctx context.Context, address string) (ControlConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", address, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialWebSocket",
		"address":  address,
	}).Debug("control connection established")

	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			// Text and control messages are not part of the protocol.
			continue
		}
		return protocol.ParseFrame(data)
	}
}

func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	payload, err := f.Serialize()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
