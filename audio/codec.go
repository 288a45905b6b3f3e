package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// Fixed audio format shared by every participant in a session.
const (
	// SampleRate is the PCM sample rate in Hz.
	SampleRate = 48000

	// Channels is the channel count; the core is mono end to end.
	Channels = 1

	// FrameDuration is the fixed duration of one audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the sample count of one frame.
	FrameSamples = SampleRate / 1000 * 20
)

var (
	// ErrCodecDecode indicates a malformed or truncated compressed payload.
	// The caller drops the frame and keeps the stream alive.
	ErrCodecDecode = errors.New("codec decode failed")

	// ErrBadFrameSize indicates a PCM frame that is not exactly one frame
	// duration long.
	ErrBadFrameSize = errors.New("pcm frame has wrong sample count")
)

// Codec converts between PCM frames and compressed payloads.
//
// Encode is safe for a single capture loop caller. NewDecoder creates an
// independent decode context; one is held per remote speaker because
// codecs are stateful predictors, and it is discarded when the speaker
// leaves.
type Codec interface {
	// Name identifies the codec on the wire contract level.
	Name() string

	// Encode compresses one PCM frame of exactly FrameSamples samples.
	Encode(pcm []int16) ([]byte, error)

	// NewDecoder creates a fresh per-stream decode context.
	NewDecoder() Decoder
}

// Decoder is the per-speaker decode context.
type Decoder interface {
	// Decode decompresses one payload into a PCM frame. A malformed
	// payload fails with ErrCodecDecode; the decoder stays usable for
	// subsequent frames.
	Decode(payload []byte) ([]int16, error)

	// Close releases the decode context.
	Close() error
}

// PCMCodec is the passthrough codec: frames travel as raw little-endian
// int16 samples. It is the session default and keeps the encode path
// pure Go until a native Opus encoder is available, mirroring the decode
// capability split in pion/opus.
type PCMCodec struct{}

// NewPCMCodec creates the passthrough codec.
func NewPCMCodec() *PCMCodec {
	return &PCMCodec{}
}

// Name implements Codec.
func (c *PCMCodec) Name() string { return "pcm16" }

// Encode packs a PCM frame as little-endian bytes.
func (c *PCMCodec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadFrameSize, len(pcm), FrameSamples)
	}

	data := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data, nil
}

// NewDecoder implements Codec. The PCM decoder is stateless but still one
// instance per stream for interface symmetry.
func (c *PCMCodec) NewDecoder() Decoder {
	return &pcmDecoder{}
}

type pcmDecoder struct{}

// Decode unpacks little-endian bytes into a PCM frame.
func (d *pcmDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) != FrameSamples*2 {
		return nil, fmt.Errorf("%w: payload %d bytes, want %d", ErrCodecDecode, len(payload), FrameSamples*2)
	}

	pcm := make([]int16, FrameSamples)
	for i := range pcm {
		pcm[i] = int16(payload[i*2]) | int16(payload[i*2+1])<<8
	}
	return pcm, nil
}

// Close implements Decoder.
func (d *pcmDecoder) Close() error { return nil }

// OpusCodec adapts the pion/opus decoder to the Codec interface. Encoding
// delegates to the PCM packer; decoding handles real Opus payloads from
// peers that sent them.
type OpusCodec struct {
	pcm PCMCodec
}

// NewOpusCodec creates the Opus adapter.
func NewOpusCodec() *OpusCodec {
	logrus.WithFields(logrus.Fields{
		"function": "NewOpusCodec",
	}).Info("Creating Opus codec adapter")
	return &OpusCodec{}
}

// Name implements Codec.
func (c *OpusCodec) Name() string { return "opus" }

// Encode compresses one PCM frame. Until a pure Go Opus encoder exists this
// is the PCM frame packer behind the Opus wire name.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	return c.pcm.Encode(pcm)
}

// NewDecoder creates a per-stream Opus decode context.
func (c *OpusCodec) NewDecoder() Decoder {
	dec := opus.NewDecoder()
	return &opusDecoder{
		decoder: &dec,
		out:     make([]byte, FrameSamples*2*2), // room for a stereo frame
	}
}

type opusDecoder struct {
	decoder *opus.Decoder
	out     []byte
}

// Decode decompresses one Opus payload into a mono PCM frame.
func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCodecDecode)
	}

	_, isStereo, err := d.decoder.Decode(payload, d.out)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "opusDecoder.Decode",
			"payload_size": len(payload),
			"error":        err.Error(),
		}).Debug("Opus decode failed, dropping frame")
		return nil, fmt.Errorf("%w: %v", ErrCodecDecode, err)
	}

	sampleCount := len(d.out) / 2
	if isStereo {
		sampleCount /= 2
	}
	if sampleCount > FrameSamples {
		sampleCount = FrameSamples
	}

	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		if isStereo {
			// Take the left channel; the core is mono.
			pcm[i] = int16(d.out[i*4]) | int16(d.out[i*4+1])<<8
		} else {
			pcm[i] = int16(d.out[i*2]) | int16(d.out[i*2+1])<<8
		}
	}
	return pcm, nil
}

// Close implements Decoder.
func (d *opusDecoder) Close() error {
	d.decoder = nil
	return nil
}
