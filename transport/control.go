package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/voxcore/protocol"
)

// Control channel defaults.
const (
	// DefaultKeepaliveInterval is the gap between keepalive pings.
	DefaultKeepaliveInterval = 5 * time.Second

	// DefaultMissedLimit is the number of consecutive unanswered pings
	// after which the link is declared dead.
	DefaultMissedLimit = 3
)

// FrameHandler processes one inbound control frame. Handlers run on the
// channel's read goroutine; a returned error is logged and does not stop
// the channel.
type FrameHandler func(f *protocol.Frame) error

// ControlConfig tunes a ControlChannel. The zero value selects defaults.
type ControlConfig struct {
	KeepaliveInterval time.Duration
	MissedLimit       int

	// Now is the channel's clock, injectable for tests.
	Now func() time.Time
}

func (cfg *ControlConfig) fill() {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.MissedLimit <= 0 {
		cfg.MissedLimit = DefaultMissedLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// ControlChannel drives a secured control connection: it assigns outbound
// sequence numbers, dispatches inbound frames to registered handlers, and
// keeps the link alive with pings. Ping and pong frames are consumed
// internally; everything else goes to handlers.
type ControlChannel struct {
	conn ControlConn
	cfg  ControlConfig

	sendSeq uint32 // atomic

	mu          sync.Mutex
	handlers    map[protocol.MessageType]FrameHandler
	outstanding map[uint32]time.Time // ping nonce -> send time
	nextNonce   uint32
	rttMicros   int64 // atomic, most recent round trip in microseconds

	closeOnce sync.Once
	closed    chan struct{}
}

// NewControlChannel wraps a secured connection. Call RegisterHandler for
// each expected message type, then Run.
func NewControlChannel(conn ControlConn, cfg ControlConfig) *ControlChannel {
	cfg.fill()
	return &ControlChannel{
		conn:        conn,
		cfg:         cfg,
		handlers:    make(map[protocol.MessageType]FrameHandler),
		outstanding: make(map[uint32]time.Time),
		closed:      make(chan struct{}),
	}
}

// RegisterHandler sets the handler for a message type, replacing any
// previous one.
func (c *ControlChannel) RegisterHandler(messageType protocol.MessageType, handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[messageType] = handler
}

// Send writes one frame with the next outbound sequence number.
func (c *ControlChannel) Send(messageType protocol.MessageType, body []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	f := &protocol.Frame{
		Type: messageType,
		Seq:  atomic.AddUint32(&c.sendSeq, 1),
		Body: body,
	}
	if err := c.conn.WriteFrame(f); err != nil {
		return fmt.Errorf("send %s: %w", messageType, err)
	}
	return nil
}

// Run services the connection until ctx is cancelled, the link dies, or
// Close is called. It always returns a non-nil error describing why the
// channel stopped; after a clean Close or cancellation that error is
// ErrConnClosed or ctx.Err().
func (c *ControlChannel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop()
	})
	g.Go(func() error {
		return c.keepaliveLoop(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.closed:
			return ErrConnClosed
		}
	})

	err := g.Wait()
	c.Close()
	return err
}

// Close tears down the channel and its connection. Safe to call more than
// once.
func (c *ControlChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

// RTT reports the most recent measured round-trip time, zero before the
// first pong.
func (c *ControlChannel) RTT() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.rttMicros)) * time.Microsecond
}

func (c *ControlChannel) readLoop() error {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-c.closed:
				return ErrConnClosed
			default:
			}
			return fmt.Errorf("control read: %w", err)
		}
		c.dispatch(f)
	}
}

func (c *ControlChannel) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgPing:
		c.answerPing(f)
		return
	case protocol.MsgPong:
		c.handlePong(f)
		return
	}

	c.mu.Lock()
	handler := c.handlers[f.Type]
	c.mu.Unlock()

	if handler == nil {
		// Unknown types are skipped so older clients survive newer
		// servers.
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     f.Type.String(),
			"seq":      f.Seq,
		}).Debug("no handler for control frame")
		return
	}

	if err := handler(f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     f.Type.String(),
			"seq":      f.Seq,
			"error":    err,
		}).Error("control frame handler failed")
	}
}

// answerPing echoes a server ping so the server's liveness check sees us.
func (c *ControlChannel) answerPing(f *protocol.Frame) {
	if err := c.Send(protocol.MsgPong, f.Body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answerPing",
			"error":    err,
		}).Debug("pong send failed")
	}
}

func (c *ControlChannel) handlePong(f *protocol.Frame) {
	pong, err := protocol.ParsePing(f.Body)
	if err != nil {
		return
	}

	c.mu.Lock()
	sentAt, ok := c.outstanding[pong.Nonce]
	if ok {
		delete(c.outstanding, pong.Nonce)
	}
	c.mu.Unlock()

	if ok {
		rtt := c.cfg.Now().Sub(sentAt)
		if rtt < 0 {
			rtt = 0
		}
		atomic.StoreInt64(&c.rttMicros, rtt.Microseconds())
	}
}

func (c *ControlChannel) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrConnClosed
		case <-ticker.C:
			if err := c.keepaliveTick(); err != nil {
				return err
			}
		}
	}
}

// keepaliveTick sends one ping and enforces the missed-pong limit.
func (c *ControlChannel) keepaliveTick() error {
	now := c.cfg.Now()

	c.mu.Lock()
	pending := len(c.outstanding)
	if pending >= c.cfg.MissedLimit {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "keepaliveTick",
			"pending":  pending,
		}).Error("keepalive limit exceeded, declaring link dead")
		return ErrKeepaliveTimeout
	}
	c.nextNonce++
	nonce := c.nextNonce
	c.outstanding[nonce] = now
	c.mu.Unlock()

	body, err := (&protocol.Ping{
		Nonce:      nonce,
		SentAtUnix: uint64(now.UnixMilli()),
	}).MarshalBody()
	if err != nil {
		return err
	}
	if err := c.Send(protocol.MsgPing, body); err != nil {
		return err
	}
	return nil
}
