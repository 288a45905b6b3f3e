package voxcore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/audio"
	"github.com/opd-ai/voxcore/jitter"
	"github.com/opd-ai/voxcore/protocol"
)

// stream is the receive-side state for one remote speaker: a jitter
// buffer absorbing network timing and a decoder holding codec state.
// Streams are created lazily on the first packet from a speaker and
// released after StreamIdleTimeout of silence.
type stream struct {
	buf          *jitter.Buffer
	dec          audio.Decoder
	lastPacket   time.Time
	talking      bool
	talkingUntil time.Time
}

// talkingChange is a pending talking-flag update collected during a mix
// tick and applied after the streams lock is released.
type talkingChange struct {
	userID  uint32
	talking bool
}

// handleVoicePacket runs on the voice channel's receive goroutine.
func (c *Client) handleVoicePacket(p *protocol.VoicePacket) {
	if p.SenderID == c.session.LocalUserID() {
		return
	}

	c.streamsMu.Lock()
	s := c.streams[p.SenderID]
	if s == nil {
		s = &stream{
			buf: jitter.New(jitter.DefaultConfig()),
			dec: c.codec.NewDecoder(),
		}
		c.streams[p.SenderID] = s

		logrus.WithFields(logrus.Fields{
			"function": "Client.handleVoicePacket",
			"sender":   p.SenderID,
		}).Debug("stream created")
	}
	s.lastPacket = time.Now()
	s.buf.Push(p.Seq, p.Payload)
	c.streamsMu.Unlock()
}

// sendLoop moves encoded frames from the capture pipeline onto the voice
// channel. Send failures are logged and the frame dropped; voice is loss
// tolerant end to end.
func (c *Client) sendLoop(ctx context.Context) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.Frames():
			voice := c.currentVoice()
			if voice == nil {
				continue
			}
			if err := voice.SendFrame(frame.Seq, frame.TimestampMs, frame.Payload); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.sendLoop",
					"seq":      frame.Seq,
					"error":    err,
				}).Debug("voice frame send failed")
			}
		}
	}
}

// playbackLoop pops one frame per speaker every frame period, mixes, and
// writes to the output device. It runs even without an output device so
// jitter buffers drain on schedule.
func (c *Client) playbackLoop(ctx context.Context) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			frame, changes := c.mixTick(now)

			for _, change := range changes {
				c.session.SetUserTalking(change.userID, change.talking)
			}

			if c.opts.Output != nil {
				if err := c.opts.Output.WriteFrame(frame); err != nil {
					c.notifyError(&DeviceError{Op: "playback", Err: err})
					return
				}
			}
		}
	}
}

// mixTick produces one playback frame. Talking flag updates are returned
// rather than applied inline: session callbacks may re-enter the client,
// so they must fire outside the streams lock.
func (c *Client) mixTick(now time.Time) ([]int16, []talkingChange) {
	var changes []talkingChange

	c.streamsMu.Lock()
	inputs := make([]audio.Input, 0, len(c.streams))

	for id, s := range c.streams {
		if now.Sub(s.lastPacket) > c.opts.StreamIdleTimeout {
			_ = s.dec.Close()
			delete(c.streams, id)
			if s.talking {
				changes = append(changes, talkingChange{userID: id, talking: false})
			}
			continue
		}

		payload, result := s.buf.Pop()

		var pcm []int16
		if result == jitter.PopFrame {
			decoded, err := s.dec.Decode(payload)
			if err != nil {
				// Malformed payload: drop the frame, keep the stream.
				logrus.WithFields(logrus.Fields{
					"function": "Client.mixTick",
					"sender":   id,
					"error":    err,
				}).Debug("frame decode failed")
			} else {
				pcm = decoded
				s.talkingUntil = now.Add(c.opts.TalkingHangover)
				if !s.talking {
					s.talking = true
					changes = append(changes, talkingChange{userID: id, talking: true})
				}
			}
		}

		if s.talking && now.After(s.talkingUntil) {
			s.talking = false
			changes = append(changes, talkingChange{userID: id, talking: false})
		}

		volume, muted := 1.0, false
		if user, ok := c.session.UserByID(id); ok {
			volume, muted = user.Volume, user.Muted
		}
		inputs = append(inputs, audio.Input{PCM: pcm, Volume: volume, Muted: muted})
	}
	c.streamsMu.Unlock()

	return c.mixer.Mix(inputs), changes
}

// dropStream releases one speaker's receive state.
func (c *Client) dropStream(userID uint32) {
	c.streamsMu.Lock()
	if s, ok := c.streams[userID]; ok {
		_ = s.dec.Close()
		delete(c.streams, userID)
	}
	c.streamsMu.Unlock()
}

// dropAllStreams releases every speaker's receive state.
func (c *Client) dropAllStreams() {
	c.streamsMu.Lock()
	for id, s := range c.streams {
		_ = s.dec.Close()
		delete(c.streams, id)
	}
	c.streamsMu.Unlock()
}
