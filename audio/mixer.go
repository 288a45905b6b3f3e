package audio

import "math"

// Input is one speaker's contribution to a mix tick: a decoded PCM frame
// (nil for silence fill) with the listener's local volume and mute settings
// for that speaker.
type Input struct {
	PCM    []int16
	Volume float64
	Muted  bool
}

// Mixer sums speaker frames into a single playback frame.
//
// Samples accumulate in an int32 scratch buffer and hard-clamp to the int16
// range on output. Clamping keeps the mix O(1) per sample and level-stable;
// dynamic normalization would pump perceived loudness whenever speakers
// join or leave.
type Mixer struct {
	acc []int32
	out []int16
}

// NewMixer creates a mixer for the fixed frame size.
func NewMixer() *Mixer {
	return &Mixer{
		acc: make([]int32, FrameSamples),
		out: make([]int16, FrameSamples),
	}
}

// Mix combines all inputs into one frame. Muted inputs and nil frames
// contribute nothing; they are still legal inputs so silence-filled
// speakers keep uniform timing. The returned slice is reused across calls
// and must be consumed before the next Mix.
func (m *Mixer) Mix(inputs []Input) []int16 {
	for i := range m.acc {
		m.acc[i] = 0
	}

	for _, in := range inputs {
		if in.Muted || in.PCM == nil {
			continue
		}
		n := len(in.PCM)
		if n > FrameSamples {
			n = FrameSamples
		}
		for i := 0; i < n; i++ {
			m.acc[i] += int32(float64(in.PCM[i]) * in.Volume)
		}
	}

	for i, sum := range m.acc {
		m.out[i] = clampSample(sum)
	}
	return m.out
}

// clampSample hard-limits an accumulated sample to the valid int16 range.
func clampSample(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

var silence = make([]int16, FrameSamples)

// SilenceFrame returns the shared all-zero frame used for loss fill.
// Callers must not modify it.
func SilenceFrame() []int16 {
	return silence
}
