package voxcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/audio"
	"github.com/opd-ai/voxcore/config"
	"github.com/opd-ai/voxcore/protocol"
	"github.com/opd-ai/voxcore/session"
	"github.com/opd-ai/voxcore/transport"
)

// rttPollInterval is how often the keepalive round-trip estimate is
// copied into the session model.
const rttPollInterval = 5 * time.Second

// link is one live connection to the server: the secured control channel
// plus the voice channel keyed by its handshake.
type link struct {
	control *transport.ControlChannel
	voice   *transport.VoiceChannel
	cancel  context.CancelFunc
	runErr  chan error
}

// authError carries the server's authentication verdict out of establish.
type authError struct {
	result protocol.AuthResult
}

func (e *authError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.result)
}

func (e *authError) Unwrap() error {
	return ErrAuthRejected
}

func (c *Client) dialer() transport.Dialer {
	if c.opts.Dialer != nil {
		return c.opts.Dialer
	}
	if c.cfg.Server.Transport == config.TransportWebSocket {
		return transport.DialWebSocket
	}
	return transport.DialTCP
}

// establish dials, secures, and authenticates one connection. With resume
// set it presents the session token instead of credentials; the server
// then replays missed deltas or sends a fresh snapshot.
func (c *Client) establish(ctx context.Context, resume bool) (*link, error) {
	raw, err := c.dialer()(ctx, c.cfg.ControlAddress())
	if err != nil {
		return nil, fmt.Errorf("dial control: %w", err)
	}

	secured, voiceKey, err := transport.SecureClient(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}

	if !resume {
		if err := c.session.ConnEstablished(); err != nil {
			secured.Close()
			return nil, err
		}
	}

	ctrl := transport.NewControlChannel(secured, transport.ControlConfig{
		KeepaliveInterval: c.opts.KeepaliveInterval,
	})
	c.registerHandlers(ctrl)

	linkCtx, cancel := context.WithCancel(context.Background())
	ln := &link{control: ctrl, cancel: cancel, runErr: make(chan error, 1)}
	go func() { ln.runErr <- ctrl.Run(linkCtx) }()

	if err := c.authenticate(ctx, ln, resume); err != nil {
		c.closeLink(ln)
		return nil, err
	}

	voice, err := transport.DialVoice(transport.VoiceConfig{
		Address:     c.cfg.VoiceAddress(),
		Key:         voiceKey,
		LocalUserID: c.session.LocalUserID(),
		OnPacket:    c.handleVoicePacket,
	})
	if err != nil {
		c.closeLink(ln)
		return nil, err
	}
	ln.voice = voice

	go func() { _ = voice.Run(linkCtx) }()
	go c.rttLoop(linkCtx, ctrl)

	return ln, nil
}

// authenticate sends the credential or resume request and waits for the
// verdict. The session transition itself happens on the control read
// goroutine (completeAuth) so that a snapshot or delta the server sends
// right behind the auth response is dispatched against the post-auth state.
func (c *Client) authenticate(ctx context.Context, ln *link, resume bool) error {
	authCh := make(chan error, 1)
	c.setAuthWait(authCh, resume)
	defer c.setAuthWait(nil, false)

	var (
		body        []byte
		err         error
		messageType protocol.MessageType
	)
	if resume {
		messageType = protocol.MsgReconnectRequest
		body, err = (&protocol.ReconnectRequest{
			SessionToken: c.session.SessionToken(),
			LastSeq:      c.session.LastAppliedSeq(),
		}).MarshalBody()
	} else {
		messageType = protocol.MsgAuthRequest
		body, err = (&protocol.AuthRequest{
			ProtocolVersion: protocol.Version,
			ClientID:        c.clientID,
			Username:        c.cfg.Auth.Username,
			Password:        c.cfg.Auth.Password,
			FrameDurationMs: uint16(audio.FrameDuration / time.Millisecond),
		}).MarshalBody()
	}
	if err != nil {
		return err
	}
	if err := ln.control.Send(messageType, body); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.AuthTimeout)
	defer timer.Stop()

	select {
	case err := <-authCh:
		return err
	case err := <-ln.runErr:
		return err
	case <-timer.C:
		return ErrAuthTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) setAuthWait(ch chan error, resume bool) {
	c.authMu.Lock()
	c.authWait = ch
	c.authResume = resume
	c.authMu.Unlock()
}

// completeAuth applies the server's verdict to the session. Runs on the
// control read goroutine, before any frame that follows the auth response.
func (c *Client) completeAuth(resp *protocol.AuthResponse, resume bool) error {
	if resp.Result != protocol.AuthOK {
		return &authError{result: resp.Result}
	}
	if resp.FrameDurationMs != 0 &&
		resp.FrameDurationMs != uint16(audio.FrameDuration/time.Millisecond) {
		return fmt.Errorf("%w: server uses %d ms frames",
			ErrFrameDurationMismatch, resp.FrameDurationMs)
	}
	if resume {
		return c.session.ReconnectResumed()
	}
	return c.session.AuthSucceeded(resp.UserID, resp.SessionToken)
}

func (c *Client) closeLink(ln *link) {
	ln.cancel()
	_ = ln.control.Close()
	if ln.voice != nil {
		_ = ln.voice.Close()
	}
}

func (c *Client) clearLink() {
	c.mu.Lock()
	c.link = nil
	c.mu.Unlock()
}

func (c *Client) setLink(ln *link) {
	c.mu.Lock()
	c.link = ln
	c.mu.Unlock()
}

// supervise watches the current link and drives the reconnect loop after
// transport failures.
func (c *Client) supervise(ctx context.Context, ln *link) {
	for {
		var runErr error
		select {
		case runErr = <-ln.runErr:
		case <-ctx.Done():
			c.closeLink(ln)
			return
		}

		c.closeLink(ln)
		c.clearLink()

		if ctx.Err() != nil || c.isClosing() {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.supervise",
			"error":    runErr,
		}).Warn("control channel failed")

		if !c.session.TransportLost() {
			// Died before reaching Active; nothing to resume.
			c.giveUp(ctx)
			return
		}

		next, ok := c.reconnect(ctx)
		if !ok {
			c.giveUp(ctx)
			return
		}
		c.setLink(next)
		ln = next
	}
}

// reconnect retries establish with doubling backoff until it succeeds or
// the attempt budget runs out.
func (c *Client) reconnect(ctx context.Context) (*link, bool) {
	delay := c.opts.ReconnectBaseDelay

	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		if c.isClosing() {
			return nil, false
		}

		ln, err := c.establish(ctx, true)
		if err == nil {
			// Buffered audio predates the outage; start clean.
			c.dropAllStreams()
			logrus.WithFields(logrus.Fields{
				"function": "Client.reconnect",
				"attempt":  attempt,
			}).Info("session resumed")
			return ln, true
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.reconnect",
			"attempt":  attempt,
			"error":    err,
		}).Warn("reconnect attempt failed")

		if errors.Is(err, ErrAuthRejected) {
			// The server dropped the session; retrying cannot help.
			return nil, false
		}
		delay *= 2
	}
	return nil, false
}

// giveUp ends the supervision loop. The loss is only declared when the
// user did not ask for the teardown; a Disconnect racing the backoff loop
// must not surface a spurious connection-lost report.
func (c *Client) giveUp(ctx context.Context) {
	if ctx.Err() == nil && !c.isClosing() {
		_ = c.session.ReconnectExhausted()
	}
	c.stopLoops()
}

func (c *Client) stopLoops() {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) rttLoop(ctx context.Context, ctrl *transport.ControlChannel) {
	ticker := time.NewTicker(rttPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rtt := ctrl.RTT(); rtt > 0 {
				c.session.SetRTT(rtt)
			}
		}
	}
}

// registerHandlers wires the control message dispatch into the session
// model.
func (c *Client) registerHandlers(ctrl *transport.ControlChannel) {
	ctrl.RegisterHandler(protocol.MsgAuthResponse, c.handleAuthResponse)
	ctrl.RegisterHandler(protocol.MsgRoomSnapshot, c.handleSnapshot)
	ctrl.RegisterHandler(protocol.MsgUserJoined, c.handleUserJoined)
	ctrl.RegisterHandler(protocol.MsgUserLeft, c.handleUserLeft)
	ctrl.RegisterHandler(protocol.MsgUserMoved, c.handleUserMoved)
	ctrl.RegisterHandler(protocol.MsgUserRenamed, c.handleUserRenamed)
	ctrl.RegisterHandler(protocol.MsgTextMessage, c.handleTextMessage)
	ctrl.RegisterHandler(protocol.MsgError, c.handleServerError)
}

func (c *Client) handleAuthResponse(f *protocol.Frame) error {
	resp, err := protocol.ParseAuthResponse(f.Body)
	if err != nil {
		return err
	}

	c.authMu.Lock()
	ch := c.authWait
	resume := c.authResume
	c.authMu.Unlock()
	if ch == nil {
		// Unsolicited verdict; nothing is waiting on it.
		return nil
	}

	verdict := c.completeAuth(resp, resume)
	select {
	case ch <- verdict:
	default:
	}
	return nil
}

func (c *Client) handleSnapshot(f *protocol.Frame) error {
	snap, err := protocol.ParseRoomSnapshot(f.Body)
	if err != nil {
		return err
	}

	fresh, _ := c.session.ObserveSeq(f.Seq)
	if !fresh {
		return nil
	}

	if err := c.session.ApplySnapshot(snap); err != nil {
		// A snapshot the client cannot apply is unreconcilable; tear the
		// link down and let the loss path take over.
		c.notifyError(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		c.forceReconnect()
		return err
	}
	return nil
}

// handleDelta runs the shared ordering logic for incremental updates: a
// sequence gap or an update referencing unknown state triggers a snapshot
// resync instead of applying blind.
func (c *Client) handleDelta(f *protocol.Frame, apply func() error) error {
	fresh, gap := c.session.ObserveSeq(f.Seq)
	if gap {
		c.requestResync()
		return nil
	}
	if !fresh {
		return nil
	}

	if err := apply(); err != nil {
		if errors.Is(err, session.ErrUnknownRoom) || errors.Is(err, session.ErrUnknownUser) {
			c.requestResync()
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) handleUserJoined(f *protocol.Frame) error {
	m, err := protocol.ParseUserJoined(f.Body)
	if err != nil {
		return err
	}
	return c.handleDelta(f, func() error {
		return c.session.ApplyUserJoined(m.User)
	})
}

func (c *Client) handleUserLeft(f *protocol.Frame) error {
	m, err := protocol.ParseUserLeft(f.Body)
	if err != nil {
		return err
	}
	return c.handleDelta(f, func() error {
		c.dropStream(m.UserID)
		return c.session.ApplyUserLeft(m.UserID)
	})
}

func (c *Client) handleUserMoved(f *protocol.Frame) error {
	m, err := protocol.ParseUserMoved(f.Body)
	if err != nil {
		return err
	}
	return c.handleDelta(f, func() error {
		return c.session.ApplyUserMoved(m.UserID, m.RoomID)
	})
}

func (c *Client) handleUserRenamed(f *protocol.Frame) error {
	m, err := protocol.ParseUserRenamed(f.Body)
	if err != nil {
		return err
	}
	return c.handleDelta(f, func() error {
		return c.session.ApplyUserRenamed(m.UserID, m.Name)
	})
}

func (c *Client) handleTextMessage(f *protocol.Frame) error {
	m, err := protocol.ParseTextMessage(f.Body)
	if err != nil {
		return err
	}
	return c.handleDelta(f, func() error {
		c.session.HandleText(m.SenderID, m.RoomID, m.Text)
		return nil
	})
}

func (c *Client) handleServerError(f *protocol.Frame) error {
	m, err := protocol.ParseErrorMessage(f.Body)
	if err != nil {
		return err
	}
	c.notifyError(fmt.Errorf("voxcore: server error %d: %s", m.Code, m.Reason))
	return nil
}

// requestResync asks for a fresh snapshot after a gap or an inconsistent
// delta.
func (c *Client) requestResync() {
	logrus.WithFields(logrus.Fields{
		"function": "Client.requestResync",
		"last_seq": c.session.LastAppliedSeq(),
	}).Warn("requesting snapshot resync")

	if ctrl := c.currentControl(); ctrl != nil {
		_ = ctrl.Send(protocol.MsgResyncRequest, nil)
	}
}

// forceReconnect drops the current link; the supervisor then reconnects
// or reports the loss.
func (c *Client) forceReconnect() {
	c.mu.Lock()
	ln := c.link
	c.mu.Unlock()
	if ln != nil {
		_ = ln.control.Close()
	}
}
