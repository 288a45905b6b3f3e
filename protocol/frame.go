package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the protocol version advertised during authentication.
const Version uint32 = 1

// Wire limits. Control frames are small by design; the room snapshot is the
// one exception because it carries the full tree and user list after sync
// or reconnect.
const (
	// MaxFramePayload bounds the payload of every control frame except the
	// room snapshot.
	MaxFramePayload = 1400

	// MaxSnapshotPayload bounds the room snapshot frame payload.
	MaxSnapshotPayload = 65535

	// MaxTextLen bounds the byte length of a chat text message.
	MaxTextLen = 700

	// MaxNameLen bounds the byte length of a user or room display name.
	MaxNameLen = 25
)

// frameHeaderSize is type byte plus sequence number.
const frameHeaderSize = 1 + 4

// MessageType identifies the type of a control channel message.
type MessageType byte

const (
	// Connection lifecycle
	MsgAuthRequest MessageType = iota + 1
	MsgAuthResponse
	MsgReconnectRequest
	MsgResyncRequest

	// Room and user state
	MsgJoinRoom
	MsgRoomSnapshot
	MsgUserJoined
	MsgUserLeft
	MsgUserMoved
	MsgUserRenamed

	// Chat and keepalive
	MsgTextMessage
	MsgPing
	MsgPong
	MsgError
)

// Secure channel frame types. These live at the top of the type space and
// never carry ordering sequence numbers: the handshake precedes the
// session, and sealed frames carry the sequenced frame inside their
// ciphertext.
const (
	// MsgHandshake carries one Noise handshake message.
	MsgHandshake MessageType = 250

	// MsgSealed wraps an encrypted serialized frame after the handshake
	// completes.
	MsgSealed MessageType = 251
)

// String returns a human-readable message type name.
func (t MessageType) String() string {
	switch t {
	case MsgAuthRequest:
		return "auth-request"
	case MsgAuthResponse:
		return "auth-response"
	case MsgReconnectRequest:
		return "reconnect-request"
	case MsgResyncRequest:
		return "resync-request"
	case MsgJoinRoom:
		return "join-room"
	case MsgRoomSnapshot:
		return "room-snapshot"
	case MsgUserJoined:
		return "user-joined"
	case MsgUserLeft:
		return "user-left"
	case MsgUserMoved:
		return "user-moved"
	case MsgUserRenamed:
		return "user-renamed"
	case MsgTextMessage:
		return "text-message"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgError:
		return "error"
	case MsgHandshake:
		return "handshake"
	case MsgSealed:
		return "sealed"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

var (
	// ErrFrameTooShort indicates a frame smaller than its fixed header.
	ErrFrameTooShort = errors.New("control frame too short")

	// ErrFrameTooLarge indicates a frame exceeding the wire limit for its type.
	ErrFrameTooLarge = errors.New("control frame exceeds size limit")

	// ErrTruncated indicates a message body shorter than its declared contents.
	ErrTruncated = errors.New("message body truncated")

	// ErrStringTooLong indicates a string field exceeding its wire limit.
	ErrStringTooLong = errors.New("string field exceeds size limit")
)

// Frame is a single control channel message with its ordering sequence
// number. Sequence numbers increase by one per frame per direction and let
// the receiver detect gaps after a reconnect.
type Frame struct {
	Type MessageType
	Seq  uint32
	Body []byte
}

// Serialize converts a frame to its payload wire form (without the stream
// length prefix).
func (f *Frame) Serialize() ([]byte, error) {
	if err := f.checkSize(len(f.Body)); err != nil {
		return nil, err
	}

	buf := make([]byte, frameHeaderSize+len(f.Body))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.Seq)
	copy(buf[frameHeaderSize:], f.Body)
	return buf, nil
}

// ParseFrame converts a payload (without the stream length prefix) back
// into a frame.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}

	f := &Frame{
		Type: MessageType(data[0]),
		Seq:  binary.BigEndian.Uint32(data[1:5]),
		Body: make([]byte, len(data)-frameHeaderSize),
	}
	copy(f.Body, data[frameHeaderSize:])

	if err := f.checkSize(len(f.Body)); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) checkSize(bodyLen int) error {
	limit := MaxFramePayload
	if f.Type == MsgRoomSnapshot || f.Type == MsgSealed {
		// Sealed frames inherit the snapshot limit because a sealed
		// snapshot is still one frame on the wire.
		limit = MaxSnapshotPayload
	}
	if frameHeaderSize+bodyLen > limit {
		return fmt.Errorf("%w: %d bytes (%s)", ErrFrameTooLarge, frameHeaderSize+bodyLen, f.Type)
	}
	return nil
}

// WriteFrame writes a length-prefixed frame to a stream transport.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := f.Serialize()
	if err != nil {
		return err
	}

	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(payload)))
	copy(buf[2:], payload)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from a stream transport. It
// blocks until a full frame arrives or the underlying reader fails.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(header[:])
	if int(length) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return ParseFrame(payload)
}

// appendUint16 appends a big-endian uint16 to buf.
func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

// appendUint32 appends a big-endian uint32 to buf.
func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// appendUint64 appends a big-endian uint64 to buf.
func appendUint64(buf []byte, v uint64) []byte {
	return appendUint32(appendUint32(buf, uint32(v>>32)), uint32(v))
}

// appendString appends a length-prefixed string to buf.
func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// appendBytes appends a length-prefixed byte slice to buf.
func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

// bodyReader walks a message body, remembering the first decoding error so
// call sites can read a fixed field sequence without per-field checks.
type bodyReader struct {
	buf []byte
	off int
	err error
}

func (r *bodyReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *bodyReader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *bodyReader) uint8() byte {
	if r.err != nil || r.remaining() < 1 {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *bodyReader) uint16() uint16 {
	if r.err != nil || r.remaining() < 2 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *bodyReader) uint32() uint32 {
	if r.err != nil || r.remaining() < 4 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *bodyReader) uint64() uint64 {
	if r.err != nil || r.remaining() < 8 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *bodyReader) string() string {
	return string(r.bytes())
}

func (r *bodyReader) bytes() []byte {
	n := int(r.uint16())
	if r.err != nil || r.remaining() < n {
		r.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}
