package voxcore

import (
	"errors"
	"fmt"

	"github.com/opd-ai/voxcore/session"
)

// Session sentinels re-exported so callers classify errors without
// importing the session package.
var (
	// ErrAuthRejected is terminal: the server refused the credentials,
	// protocol version, or display name.
	ErrAuthRejected = session.ErrAuthRejected

	// ErrConnectionLost is reported exactly once when reconnection gives
	// up after a transport failure.
	ErrConnectionLost = session.ErrConnectionLost

	// ErrProtocolViolation indicates server state the client could not
	// reconcile even through a snapshot resync.
	ErrProtocolViolation = session.ErrProtocolViolation
)

var (
	// ErrAlreadyConnected indicates Connect on a client that is not
	// disconnected.
	ErrAlreadyConnected = errors.New("voxcore: already connected")

	// ErrNotConnected indicates an operation requiring an established
	// session.
	ErrNotConnected = errors.New("voxcore: not connected")

	// ErrAuthTimeout indicates the server never answered the
	// authentication request.
	ErrAuthTimeout = errors.New("voxcore: authentication timed out")

	// ErrFrameDurationMismatch indicates the server granted the session
	// but runs a different fixed audio frame duration.
	ErrFrameDurationMismatch = errors.New("voxcore: frame duration mismatch")
)

// DeviceError wraps an audio device failure. Device failures stop the
// affected loop but never tear down the session; the user may switch
// devices and resume.
type DeviceError struct {
	Op  string // "capture" or "playback"
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("voxcore: %s device: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
