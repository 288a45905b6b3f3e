package protocol

import (
	"encoding/binary"
	"errors"
)

// PacketType identifies the type of a voice channel datagram.
type PacketType byte

const (
	// PacketVoice carries one compressed audio frame.
	PacketVoice PacketType = iota + 1

	// PacketVoicePing keeps the NAT mapping for the voice channel alive
	// and registers the client's datagram address with the server.
	PacketVoicePing
)

// voiceHeaderSize is type + sender id + sequence + timestamp + payload length.
const voiceHeaderSize = 1 + 4 + 4 + 4 + 2

// MaxVoicePayload bounds the sealed audio payload of one datagram. The
// limit admits an uncompressed 20 ms mono frame (1920 bytes) plus AEAD
// overhead so the passthrough codec stays usable on loopback and LAN
// setups where compression is off.
const MaxVoicePayload = 2048 - voiceHeaderSize

var (
	// ErrVoicePacketTooShort indicates a datagram smaller than its header.
	ErrVoicePacketTooShort = errors.New("voice packet too short")

	// ErrVoicePayloadTooLarge indicates an audio payload over the datagram limit.
	ErrVoicePayloadTooLarge = errors.New("voice payload exceeds size limit")

	// ErrNotVoicePacket indicates a datagram that is not a voice frame.
	ErrNotVoicePacket = errors.New("not a voice packet")
)

// VoicePacket is one audio frame on the wire. Seq increases by one per
// frame per sender and is never retransmitted; the jitter buffer uses it to
// detect loss and reordering. TimestampMs is the sender's capture clock in
// milliseconds, used for jitter estimation.
//
// On outbound packets SenderID is the local user id; the server rewrites
// nothing and relays the packet to every user in the sender's room.
type VoicePacket struct {
	SenderID    uint32
	Seq         uint32
	TimestampMs uint32
	Payload     []byte
}

// Serialize converts a voice packet to its datagram wire form.
func (p *VoicePacket) Serialize() ([]byte, error) {
	if len(p.Payload) > MaxVoicePayload {
		return nil, ErrVoicePayloadTooLarge
	}

	buf := make([]byte, voiceHeaderSize+len(p.Payload))
	buf[0] = byte(PacketVoice)
	binary.BigEndian.PutUint32(buf[1:5], p.SenderID)
	binary.BigEndian.PutUint32(buf[5:9], p.Seq)
	binary.BigEndian.PutUint32(buf[9:13], p.TimestampMs)
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(p.Payload)))
	copy(buf[voiceHeaderSize:], p.Payload)
	return buf, nil
}

// ParseVoicePacket converts a datagram back into a voice packet.
func ParseVoicePacket(data []byte) (*VoicePacket, error) {
	if len(data) < 1 {
		return nil, ErrVoicePacketTooShort
	}
	if PacketType(data[0]) != PacketVoice {
		return nil, ErrNotVoicePacket
	}
	if len(data) < voiceHeaderSize {
		return nil, ErrVoicePacketTooShort
	}

	payloadLen := int(binary.BigEndian.Uint16(data[13:15]))
	if len(data) < voiceHeaderSize+payloadLen {
		return nil, ErrVoicePacketTooShort
	}

	p := &VoicePacket{
		SenderID:    binary.BigEndian.Uint32(data[1:5]),
		Seq:         binary.BigEndian.Uint32(data[5:9]),
		TimestampMs: binary.BigEndian.Uint32(data[9:13]),
		Payload:     make([]byte, payloadLen),
	}
	copy(p.Payload, data[voiceHeaderSize:voiceHeaderSize+payloadLen])
	return p, nil
}

// SerializeVoicePing builds a voice channel keepalive datagram for the
// given local user.
func SerializeVoicePing(userID uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(PacketVoicePing)
	binary.BigEndian.PutUint32(buf[1:5], userID)
	return buf
}
