// Package voxcore implements the client core of a low-latency voice and
// text chat system: audio capture and encoding, per-speaker jitter
// buffering and mixing, a replicated room/user model, and the two network
// channels carrying it all.
//
// The entry point is Client. A Client is configured once, connects to one
// server at a time, and reports every state change through registered
// callbacks. Audio devices and UI rendering stay outside the core behind
// the audio.InputDevice and audio.OutputDevice interfaces.
package voxcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/audio"
	"github.com/opd-ai/voxcore/capture"
	"github.com/opd-ai/voxcore/config"
	"github.com/opd-ai/voxcore/protocol"
	"github.com/opd-ai/voxcore/session"
	"github.com/opd-ai/voxcore/transport"
)

// Options configures a Client. Devices are owned by the caller and stay
// open across reconnects; the client never closes them.
type Options struct {
	// Config is the read-once client configuration.
	Config *config.Config

	// Input is the microphone. Nil disables the capture path; the client
	// is then listen-only.
	Input audio.InputDevice

	// Output is the speaker. Nil disables playback; inbound audio is
	// still buffered and discarded on schedule, keeping stream timing
	// observable in tests.
	Output audio.OutputDevice

	// Codec overrides the default passthrough PCM codec.
	Codec audio.Codec

	// Dialer overrides the control channel dialer chosen from the
	// configured transport. Tests inject in-memory connections here.
	Dialer transport.Dialer

	// MaxReconnectAttempts bounds the backoff loop after a transport
	// failure.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the first backoff delay; each further
	// attempt doubles it.
	ReconnectBaseDelay time.Duration

	// AuthTimeout bounds the wait for the server's authentication
	// verdict.
	AuthTimeout time.Duration

	// KeepaliveInterval overrides the control channel ping interval.
	KeepaliveInterval time.Duration

	// TalkingHangover is how long a speaker stays marked talking after
	// their last real frame.
	TalkingHangover time.Duration

	// StreamIdleTimeout is how long a silent speaker keeps its decoder
	// and jitter buffer before they are released.
	StreamIdleTimeout time.Duration
}

// NewOptions returns Options with the defaults filled in. Config, devices,
// and callbacks still need to be supplied.
func NewOptions() *Options {
	return &Options{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   500 * time.Millisecond,
		AuthTimeout:          10 * time.Second,
		TalkingHangover:      200 * time.Millisecond,
		StreamIdleTimeout:    5 * time.Second,
	}
}

// Callbacks are the client's notifications to the UI layer. All fields
// are optional. Callbacks fire from internal goroutines; handlers that
// need serialization should hand off to their own queue.
type Callbacks struct {
	StatusChanged   func(session.Status)
	RoomTreeChanged func()
	UserJoined      func(session.User)
	UserLeft        func(session.User)
	UserMoved       func(userID, roomID uint32)
	UserTalking     func(userID uint32, talking bool)
	TextMessage     func(senderID, roomID uint32, text string)
	Error           func(error)
}

// Client is the session coordinator: it owns the transports, the capture
// and playback loops, and the replicated session model, and ties their
// lifecycles together.
type Client struct {
	opts     *Options
	cfg      *config.Config
	clientID string
	codec    audio.Codec
	session  *session.Manager
	mixer    *audio.Mixer

	cbMu sync.RWMutex
	cb   Callbacks

	mu        sync.Mutex
	link      *link
	pipeline  *capture.Pipeline
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
	closing   bool

	authMu     sync.Mutex
	authWait   chan error
	authResume bool

	streamsMu sync.Mutex
	streams   map[uint32]*stream

	volMu      sync.Mutex
	volApplied map[uint32]struct{}
}

// New creates a disconnected client.
func New(opts *Options) (*Client, error) {
	if opts == nil || opts.Config == nil {
		return nil, fmt.Errorf("voxcore: options require a config")
	}

	defaults := NewOptions()
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaults.AuthTimeout
	}
	if opts.TalkingHangover <= 0 {
		opts.TalkingHangover = defaults.TalkingHangover
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = defaults.StreamIdleTimeout
	}

	codec := opts.Codec
	if codec == nil {
		codec = audio.NewPCMCodec()
	}

	c := &Client{
		opts:       opts,
		cfg:        opts.Config,
		clientID:   uuid.NewString(),
		codec:      codec,
		mixer:      audio.NewMixer(),
		streams:    make(map[uint32]*stream),
		volApplied: make(map[uint32]struct{}),
	}
	c.session = session.NewManager(session.Callbacks{
		StatusChanged:   c.notifyStatus,
		RoomTreeChanged: c.notifyRoomTree,
		UserJoined:      c.notifyUserJoined,
		UserLeft:        c.notifyUserLeft,
		UserMoved:       c.notifyUserMoved,
		UserTalking:     c.notifyUserTalking,
		TextMessage:     c.notifyText,
		Error:           c.notifyError,
	})

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"client_id": c.clientID,
		"codec":     codec.Name(),
	}).Info("Client created")

	return c, nil
}

// forwarders from the session manager to the registered callbacks. The
// indirection lets callers register callbacks after New.

func (c *Client) notifyStatus(s session.Status) {
	c.cbMu.RLock()
	fn := c.cb.StatusChanged
	c.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// applyConfiguredVolume restores the configured per-user volume the first
// time a user appears in the session. Runtime adjustments made afterwards
// through SetUserVolume are never overwritten by later snapshots.
func (c *Client) applyConfiguredVolume(u session.User) {
	c.volMu.Lock()
	_, done := c.volApplied[u.ID]
	if !done {
		c.volApplied[u.ID] = struct{}{}
	}
	c.volMu.Unlock()
	if done {
		return
	}

	if volume, ok := c.cfg.Audio.Volumes[u.Name]; ok {
		_ = c.session.SetUserVolume(u.ID, volume)
	}
}

func (c *Client) notifyRoomTree() {
	for _, u := range c.session.Users() {
		c.applyConfiguredVolume(u)
	}

	c.cbMu.RLock()
	fn := c.cb.RoomTreeChanged
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) notifyUserJoined(u session.User) {
	c.applyConfiguredVolume(u)

	c.cbMu.RLock()
	fn := c.cb.UserJoined
	c.cbMu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (c *Client) notifyUserLeft(u session.User) {
	c.volMu.Lock()
	delete(c.volApplied, u.ID)
	c.volMu.Unlock()

	c.cbMu.RLock()
	fn := c.cb.UserLeft
	c.cbMu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (c *Client) notifyUserMoved(userID, roomID uint32) {
	c.cbMu.RLock()
	fn := c.cb.UserMoved
	c.cbMu.RUnlock()
	if fn != nil {
		fn(userID, roomID)
	}
}

func (c *Client) notifyUserTalking(userID uint32, talking bool) {
	c.cbMu.RLock()
	fn := c.cb.UserTalking
	c.cbMu.RUnlock()
	if fn != nil {
		fn(userID, talking)
	}
}

func (c *Client) notifyText(senderID, roomID uint32, text string) {
	c.cbMu.RLock()
	fn := c.cb.TextMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(senderID, roomID, text)
	}
}

func (c *Client) notifyError(err error) {
	c.cbMu.RLock()
	fn := c.cb.Error
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// OnStatusChanged registers the connection status callback.
func (c *Client) OnStatusChanged(fn func(session.Status)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.StatusChanged = fn
}

// OnRoomTreeChanged registers the room tree change callback.
func (c *Client) OnRoomTreeChanged(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.RoomTreeChanged = fn
}

// OnUserJoined registers the user joined callback.
func (c *Client) OnUserJoined(fn func(session.User)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.UserJoined = fn
}

// OnUserLeft registers the user left callback.
func (c *Client) OnUserLeft(fn func(session.User)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.UserLeft = fn
}

// OnUserMoved registers the user moved callback.
func (c *Client) OnUserMoved(fn func(userID, roomID uint32)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.UserMoved = fn
}

// OnUserTalking registers the talking indicator callback.
func (c *Client) OnUserTalking(fn func(userID uint32, talking bool)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.UserTalking = fn
}

// OnTextMessage registers the chat message callback.
func (c *Client) OnTextMessage(fn func(senderID, roomID uint32, text string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.TextMessage = fn
}

// OnError registers the error callback.
func (c *Client) OnError(fn func(error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.Error = fn
}

// Connect dials the server, runs the handshake and authentication, and
// starts the audio loops. It returns once the server accepts the
// credentials; the room snapshot arrives asynchronously and flips the
// status to Active.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.running = true
	c.closing = false
	c.mu.Unlock()

	if err := c.session.StartConnect(); err != nil {
		c.setStopped()
		return err
	}

	ln, err := c.establish(ctx, false)
	if err != nil {
		var rejected *authError
		if errors.As(err, &rejected) {
			_ = c.session.AuthFailed(rejected.result)
		} else {
			_ = c.session.ConnectFailed()
		}
		c.setStopped()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.link = ln
	c.runCancel = cancel
	c.runDone = done
	c.mu.Unlock()

	if err := c.startPipeline(); err != nil {
		cancel()
		c.closeLink(ln)
		_ = c.session.ConnectFailed()
		c.setStopped()
		return err
	}

	go c.captureLoop(runCtx)
	go c.sendLoop(runCtx)
	go c.playbackLoop(runCtx)
	go func() {
		defer close(done)
		c.supervise(runCtx, ln)
	}()

	return nil
}

// Disconnect tears the session down cleanly. Safe to call when already
// disconnected after a connection loss.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.closing = true
	ln := c.link
	cancel := c.runCancel
	done := c.runDone
	c.mu.Unlock()

	// BeginDisconnect fails when the loss path already reached
	// Disconnected; cleanup below still applies.
	beganTeardown := c.session.BeginDisconnect() == nil

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		c.closeLink(ln)
	}
	if done != nil {
		<-done
	}

	c.dropAllStreams()
	c.setStopped()

	if beganTeardown {
		return c.session.FinishDisconnect()
	}
	return nil
}

func (c *Client) setStopped() {
	c.mu.Lock()
	c.running = false
	c.link = nil
	c.runCancel = nil
	c.runDone = nil
	c.pipeline = nil
	c.mu.Unlock()

	c.volMu.Lock()
	c.volApplied = make(map[uint32]struct{})
	c.volMu.Unlock()
}

// JoinRoom asks the server to move the local user into a room. The move
// becomes visible when the server's user-moved delta arrives.
func (c *Client) JoinRoom(roomID uint32) error {
	ctrl := c.currentControl()
	if ctrl == nil {
		return ErrNotConnected
	}

	body, err := (&protocol.JoinRoom{RoomID: roomID}).MarshalBody()
	if err != nil {
		return err
	}
	return ctrl.Send(protocol.MsgJoinRoom, body)
}

// SendText sends a chat message to a room.
func (c *Client) SendText(roomID uint32, text string) error {
	ctrl := c.currentControl()
	if ctrl == nil {
		return ErrNotConnected
	}

	body, err := (&protocol.TextMessage{RoomID: roomID, Text: text}).MarshalBody()
	if err != nil {
		return err
	}
	return ctrl.Send(protocol.MsgTextMessage, body)
}

// SetUserMuted toggles local muting of a remote user. Muting is a local
// listener setting and never reaches the server.
func (c *Client) SetUserMuted(userID uint32, muted bool) error {
	return c.session.SetUserMuted(userID, muted)
}

// SetUserVolume adjusts local playback volume for a remote user, clamped
// to [0, 4].
func (c *Client) SetUserVolume(userID uint32, volume float64) error {
	return c.session.SetUserVolume(userID, volume)
}

// SetPushToTalk reports the push-to-talk key state from the UI.
func (c *Client) SetPushToTalk(held bool) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p != nil {
		p.SetPushToTalk(held)
	}
}

// Status returns the current connection status.
func (c *Client) Status() session.Status {
	return c.session.Status()
}

// LocalUserID returns the server-assigned id of the local user.
func (c *Client) LocalUserID() uint32 {
	return c.session.LocalUserID()
}

// Rooms returns a copy of the replicated room list.
func (c *Client) Rooms() []session.Room {
	return c.session.Rooms()
}

// Users returns a copy of the replicated user list.
func (c *Client) Users() []session.User {
	return c.session.Users()
}

// RootRoomID returns the root of the room tree, zero before sync.
func (c *Client) RootRoomID() uint32 {
	return c.session.RootRoomID()
}

// RTT returns the latest control channel round-trip estimate.
func (c *Client) RTT() time.Duration {
	return c.session.RTT()
}

func (c *Client) currentControl() *transport.ControlChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link.control
}

func (c *Client) currentVoice() *transport.VoiceChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link.voice
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// startPipeline builds and starts the capture pipeline when an input
// device is present.
func (c *Client) startPipeline() error {
	if c.opts.Input == nil {
		return nil
	}

	mode := capture.ModePushToTalk
	if c.cfg.Audio.Mode == config.ModeVoiceActivation {
		mode = capture.ModeVoiceActivation
	}

	localID := c.session.LocalUserID()
	p, err := capture.NewPipeline(capture.Config{
		Device:       c.opts.Input,
		Codec:        c.codec,
		Mode:         mode,
		MicGain:      c.cfg.Audio.MicGain,
		VADThreshold: c.cfg.Audio.VADThreshold,
		TalkingChanged: func(talking bool) {
			c.session.SetUserTalking(localID, talking)
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pipeline = p
	c.mu.Unlock()

	return nil
}

// captureLoop runs the capture pipeline. A device failure stops capture
// and is reported, but the session stays up so the user keeps listening.
func (c *Client) captureLoop(ctx context.Context) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p == nil {
		return
	}

	if err := p.Run(ctx); err != nil {
		c.notifyError(&DeviceError{Op: "capture", Err: err})
	}
}
