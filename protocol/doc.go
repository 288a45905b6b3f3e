// Package protocol defines the wire contract between the client and its
// paired server.
//
// Two logical channels share this vocabulary: a reliable ordered control
// channel carrying framed, sequenced messages (authentication, room
// membership, text chat, keepalive), and a best-effort voice channel
// carrying loss-tolerant audio datagrams.
//
// Control frames are length-prefixed for stream transports:
//
//	[length (2 bytes)][type (1 byte)][sequence (4 bytes)][body (variable)]
//
// Voice datagrams are self-delimiting:
//
//	[type (1 byte)][sender id (4 bytes)][sequence (4 bytes)]
//	[timestamp ms (4 bytes)][payload length (2 bytes)][payload (variable)]
//
// All multi-byte fields are big-endian. Message bodies use length-prefixed
// UTF-8 strings (2-byte length). The contract is versioned through the
// protocol version carried in the authentication request; a server that
// cannot speak this version rejects the connection and advertises the
// version it expects.
package protocol
