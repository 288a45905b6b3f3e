package transport

import "errors"

var (
	// ErrConnClosed indicates an operation on a closed channel.
	ErrConnClosed = errors.New("transport: connection closed")

	// ErrHandshakeFailed indicates the Noise handshake did not complete.
	ErrHandshakeFailed = errors.New("transport: handshake failed")

	// ErrNotSealed indicates a plaintext frame arrived on a secured
	// connection after the handshake.
	ErrNotSealed = errors.New("transport: expected sealed frame")

	// ErrKeepaliveTimeout indicates the peer stopped answering pings.
	ErrKeepaliveTimeout = errors.New("transport: keepalive timeout")

	// ErrInvalidKey indicates a voice key of the wrong length.
	ErrInvalidKey = errors.New("transport: voice key must be 32 bytes")
)
