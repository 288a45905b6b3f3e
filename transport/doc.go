// Package transport implements the two network channels a voice session
// runs on: a reliable, ordered control channel for session state and chat,
// and a best-effort datagram channel for real-time audio.
//
// The control channel is a framed byte stream (TCP or WebSocket) secured
// with a Noise XX handshake. After the handshake every control frame
// travels inside an encrypted envelope, and the handshake hash seeds the
// key that seals voice datagrams, binding both channels to the same
// session.
//
// The voice channel is connectionless UDP. Datagrams are sealed with
// ChaCha20-Poly1305, never retransmitted, and dropped silently when
// malformed; loss recovery belongs to the jitter buffer, not the
// transport.
package transport
