// Package capture implements the outbound audio pipeline: it pulls fixed
// duration PCM frames from the input device, applies microphone gain and
// voice activity gating, and encodes gated-open frames into sequenced
// voice frames for the transport.
//
// The pipeline never blocks on its consumer. If the outbound queue is full
// the frame is dropped and counted; a network stall must not back up into
// microphone capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/audio"
)

// Mode selects how the transmit gate is driven.
type Mode int

const (
	// ModeVoiceActivation opens the gate on signal energy with hangover.
	ModeVoiceActivation Mode = iota

	// ModePushToTalk opens the gate only while the UI reports the key held.
	ModePushToTalk
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeVoiceActivation:
		return "voice-activation"
	case ModePushToTalk:
		return "push-to-talk"
	default:
		return "unknown"
	}
}

// ErrNoDevice indicates a pipeline constructed without an input device.
var ErrNoDevice = errors.New("capture: no input device")

// Frame is one encoded, gated-open audio frame ready for transport.
// Sequence numbers increase strictly by one per transmitted frame for the
// life of the session.
type Frame struct {
	Seq         uint32
	TimestampMs uint32
	Payload     []byte
}

// Config defines capture pipeline behavior.
type Config struct {
	Device audio.InputDevice
	Codec  audio.Codec
	Mode   Mode

	// MicGain multiplies captured samples before gating and encoding,
	// clamped to the valid range. 1.0 is unity; 0 falls back to unity.
	MicGain float64

	// VADThreshold and HangoverFrames tune voice activation mode. Zero
	// values fall back to the audio package defaults (200 ms hangover).
	VADThreshold   float64
	HangoverFrames int

	// QueueSize bounds the outbound frame queue. Defaults to 16 frames.
	QueueSize int

	// TalkingChanged, when set, is invoked from the capture loop whenever
	// the local transmit state flips.
	TalkingChanged func(bool)
}

// Stats counts pipeline activity.
type Stats struct {
	Captured uint64
	Sent     uint64
	Gated    uint64 // frames suppressed by the gate
	Dropped  uint64 // frames lost to a full outbound queue
}

// Pipeline is the capture-side audio loop.
type Pipeline struct {
	cfg Config
	vad *audio.VAD
	out chan Frame

	pttHeld atomic.Bool
	talking atomic.Bool
	seq     uint32

	mu    sync.Mutex
	stats Stats
}

// NewPipeline creates a capture pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Device == nil {
		return nil, ErrNoDevice
	}
	if cfg.Codec == nil {
		cfg.Codec = audio.NewPCMCodec()
	}
	if cfg.MicGain <= 0 {
		cfg.MicGain = 1.0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	hangover := cfg.HangoverFrames
	if hangover <= 0 {
		hangover = 10
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPipeline",
		"mode":     cfg.Mode.String(),
		"codec":    cfg.Codec.Name(),
		"mic_gain": cfg.MicGain,
	}).Info("Creating capture pipeline")

	return &Pipeline{
		cfg: cfg,
		vad: audio.NewVAD(cfg.VADThreshold, hangover),
		out: make(chan Frame, cfg.QueueSize),
	}, nil
}

// Frames returns the outbound frame queue consumed by the transport side.
func (p *Pipeline) Frames() <-chan Frame {
	return p.out
}

// SetPushToTalk reports the push-to-talk key state from the UI layer.
// Ignored outside push-to-talk mode.
func (p *Pipeline) SetPushToTalk(held bool) {
	p.pttHeld.Store(held)
}

// Talking reports whether the local gate is currently open.
func (p *Pipeline) Talking() bool {
	return p.talking.Load()
}

// Statistics returns a copy of the activity counters.
func (p *Pipeline) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run captures and encodes frames until the context is canceled or the
// input device fails. The device paces the loop at one frame per frame
// duration. A device failure is returned to the caller; it never reaches
// the network session.
func (p *Pipeline) Run(ctx context.Context) error {
	pcm := make([]int16, audio.FrameSamples)
	var elapsedMs uint32

	for {
		if err := ctx.Err(); err != nil {
			p.setTalking(false)
			return nil
		}

		if err := p.cfg.Device.ReadFrame(pcm); err != nil {
			if ctx.Err() != nil {
				p.setTalking(false)
				return nil
			}
			p.setTalking(false)
			return fmt.Errorf("capture device read: %w", err)
		}

		p.mu.Lock()
		p.stats.Captured++
		p.mu.Unlock()

		applyGain(pcm, p.cfg.MicGain)

		open := p.gateOpen(pcm)
		p.setTalking(open)
		if !open {
			p.mu.Lock()
			p.stats.Gated++
			p.mu.Unlock()
			elapsedMs += uint32(audio.FrameDuration.Milliseconds())
			continue
		}

		payload, err := p.cfg.Codec.Encode(pcm)
		if err != nil {
			// Encode failures degrade to a skipped frame, never a
			// crashed capture loop.
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.Run",
				"error":    err.Error(),
			}).Warn("Frame encode failed, skipping")
			elapsedMs += uint32(audio.FrameDuration.Milliseconds())
			continue
		}

		frame := Frame{
			Seq:         p.seq,
			TimestampMs: elapsedMs,
			Payload:     payload,
		}
		p.seq++
		elapsedMs += uint32(audio.FrameDuration.Milliseconds())

		select {
		case p.out <- frame:
			p.mu.Lock()
			p.stats.Sent++
			p.mu.Unlock()
		default:
			p.mu.Lock()
			p.stats.Dropped++
			p.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.Run",
				"seq":      frame.Seq,
			}).Debug("Outbound queue full, voice frame dropped")
		}
	}
}

// gateOpen evaluates the transmit gate for one frame.
func (p *Pipeline) gateOpen(pcm []int16) bool {
	if p.cfg.Mode == ModePushToTalk {
		// Keep the detector warm so switching modes mid-session behaves.
		p.vad.Update(pcm)
		return p.pttHeld.Load()
	}
	return p.vad.Update(pcm)
}

// setTalking flips the local talking indicator and notifies on change.
func (p *Pipeline) setTalking(open bool) {
	if p.talking.Swap(open) != open && p.cfg.TalkingChanged != nil {
		p.cfg.TalkingChanged(open)
	}
}

// applyGain multiplies samples in place with hard clamping.
func applyGain(pcm []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, sample := range pcm {
		scaled := float64(sample) * gain
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		pcm[i] = int16(scaled)
	}
}
