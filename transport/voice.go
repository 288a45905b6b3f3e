package transport

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/voxcore/protocol"
)

// DefaultVoicePingInterval keeps NAT mappings for the datagram path alive.
const DefaultVoicePingInterval = 15 * time.Second

// readPollInterval bounds how long a blocked datagram read can outlive a
// cancelled context.
const readPollInterval = 100 * time.Millisecond

// VoiceStats counts datagram channel activity since dial.
type VoiceStats struct {
	// Sent is the number of audio datagrams sent.
	Sent uint64

	// Received is the number of audio datagrams delivered upward.
	Received uint64

	// Dropped is the number of inbound datagrams discarded as malformed
	// or failing authentication.
	Dropped uint64
}

// VoiceConfig configures a VoiceChannel.
type VoiceConfig struct {
	// Address is the server's voice endpoint, host:port.
	Address string

	// Key seals and opens datagrams. It comes from the control channel
	// handshake and must be VoiceKeySize bytes.
	Key []byte

	// LocalUserID stamps outbound packets and keepalive pings.
	LocalUserID uint32

	// PingInterval overrides DefaultVoicePingInterval when positive.
	PingInterval time.Duration

	// OnPacket receives each authenticated inbound audio packet with its
	// payload already opened. Called from the channel's read goroutine.
	OnPacket func(p *protocol.VoicePacket)
}

// VoiceChannel sends and receives sealed audio datagrams over UDP. Loss,
// reordering, and duplication are left to the jitter buffer; the channel
// only guarantees that delivered packets are authentic and well formed.
type VoiceChannel struct {
	conn *net.UDPConn
	aead cipher.AEAD
	cfg  VoiceConfig

	sent     uint64 // atomic
	received uint64 // atomic
	dropped  uint64 // atomic
}

// DialVoice opens the datagram channel to the server.
//
// Parameters:
//   - cfg: channel configuration; Address, Key, and OnPacket are required
//
// Returns:
//   - *VoiceChannel: the open channel; call Run to start receiving
//   - error: resolution, socket, or key failure
func DialVoice(cfg VoiceConfig) (*VoiceChannel, error) {
	if len(cfg.Key) != VoiceKeySize {
		return nil, ErrInvalidKey
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultVoicePingInterval
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve voice address %s: %w", cfg.Address, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial voice channel: %w", err)
	}

	aead, err := chacha20poly1305.New(cfg.Key)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("voice cipher: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialVoice",
		"address":  addr.String(),
		"local":    conn.LocalAddr().String(),
	}).Debug("voice channel open")

	return &VoiceChannel{conn: conn, aead: aead, cfg: cfg}, nil
}

// SendFrame seals one audio payload and sends it. Seq must increase by one
// per frame; the receiver's jitter buffer depends on it.
func (v *VoiceChannel) SendFrame(seq, timestampMs uint32, payload []byte) error {
	p := &protocol.VoicePacket{
		SenderID:    v.cfg.LocalUserID,
		Seq:         seq,
		TimestampMs: timestampMs,
		Payload:     v.aead.Seal(nil, voiceNonce(v.cfg.LocalUserID, seq, timestampMs), payload, nil),
	}

	data, err := p.Serialize()
	if err != nil {
		return err
	}
	if _, err := v.conn.Write(data); err != nil {
		return fmt.Errorf("send voice frame: %w", err)
	}

	atomic.AddUint64(&v.sent, 1)
	return nil
}

// Run receives datagrams and sends keepalive pings until ctx is cancelled.
// The first ping goes out immediately so the server learns our datagram
// address before any audio flows.
func (v *VoiceChannel) Run(ctx context.Context) error {
	v.sendPing()

	go v.pingLoop(ctx)

	buffer := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.receiveOne(buffer); err != nil {
			return err
		}
	}
}

// Close releases the socket.
func (v *VoiceChannel) Close() error {
	return v.conn.Close()
}

// Stats returns a snapshot of the channel counters.
func (v *VoiceChannel) Stats() VoiceStats {
	return VoiceStats{
		Sent:     atomic.LoadUint64(&v.sent),
		Received: atomic.LoadUint64(&v.received),
		Dropped:  atomic.LoadUint64(&v.dropped),
	}
}

// LocalAddr reports the bound datagram address.
func (v *VoiceChannel) LocalAddr() net.Addr {
	return v.conn.LocalAddr()
}

func (v *VoiceChannel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sendPing()
		}
	}
}

func (v *VoiceChannel) sendPing() {
	if _, err := v.conn.Write(protocol.SerializeVoicePing(v.cfg.LocalUserID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPing",
			"error":    err,
		}).Debug("voice keepalive failed")
	}
}

// receiveOne reads and processes a single datagram. Malformed and
// unauthenticated packets are counted and dropped; an attacker holding
// the datagram port must never be able to crash the audio path. A closed
// socket is the only fatal condition.
func (v *VoiceChannel) receiveOne(buffer []byte) error {
	_ = v.conn.SetReadDeadline(time.Now().Add(readPollInterval))

	n, err := v.conn.Read(buffer)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return ErrConnClosed
		}
		logrus.WithFields(logrus.Fields{
			"function": "receiveOne",
			"error":    err,
		}).Debug("voice read failed")
		return nil
	}

	p, err := protocol.ParseVoicePacket(buffer[:n])
	if err != nil {
		if !errors.Is(err, protocol.ErrNotVoicePacket) {
			atomic.AddUint64(&v.dropped, 1)
		}
		return nil
	}

	opened, err := v.aead.Open(nil, voiceNonce(p.SenderID, p.Seq, p.TimestampMs), p.Payload, nil)
	if err != nil {
		atomic.AddUint64(&v.dropped, 1)
		return nil
	}
	p.Payload = opened

	atomic.AddUint64(&v.received, 1)
	if v.cfg.OnPacket != nil {
		v.cfg.OnPacket(p)
	}
	return nil
}

// voiceNonce derives the AEAD nonce from packet header fields. Per-sender
// sequence numbers never repeat within a session, so sender id plus
// sequence keeps every nonce unique under the session key.
func voiceNonce(senderID, seq, timestampMs uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[0:4], senderID)
	binary.BigEndian.PutUint32(nonce[4:8], seq)
	binary.BigEndian.PutUint32(nonce[8:12], timestampMs)
	return nonce
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
