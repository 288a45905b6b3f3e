package audio

import "math"

// DefaultVADThreshold is the normalized RMS energy above which a frame
// counts as speech. Tuned for typical microphone levels; the capture
// pipeline exposes it through configuration.
const DefaultVADThreshold = 0.015

// FrameEnergy returns the normalized root-mean-square energy of a PCM
// frame in [0, 1].
func FrameEnergy(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range pcm {
		f := float64(sample) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// VAD is a short-term-energy voice activity detector with hangover.
//
// The gate opens as soon as a frame's energy crosses the threshold and
// stays open for HangoverFrames after the energy drops, so word endings
// and short pauses are not clipped off.
type VAD struct {
	// Threshold is the open energy level.
	Threshold float64

	// HangoverFrames is how many quiet frames keep the gate open after
	// speech stops.
	HangoverFrames int

	quiet int
	open  bool
}

// NewVAD creates a detector. A zero threshold falls back to the default;
// hangoverFrames of 10 covers 200 ms at the fixed frame duration.
func NewVAD(threshold float64, hangoverFrames int) *VAD {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if hangoverFrames < 0 {
		hangoverFrames = 0
	}
	return &VAD{
		Threshold:      threshold,
		HangoverFrames: hangoverFrames,
		quiet:          hangoverFrames, // start closed
	}
}

// Update feeds one frame and reports whether the gate is open.
func (v *VAD) Update(pcm []int16) bool {
	if FrameEnergy(pcm) >= v.Threshold {
		v.quiet = 0
		v.open = true
		return true
	}

	if v.open {
		v.quiet++
		if v.quiet > v.HangoverFrames {
			v.open = false
		}
	}
	return v.open
}

// Reset closes the gate immediately.
func (v *VAD) Reset() {
	v.open = false
	v.quiet = v.HangoverFrames
}
