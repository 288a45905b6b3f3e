package capture

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voxcore/audio"
)

// fakeDevice serves a scripted list of frames, then blocks until closed.
type fakeDevice struct {
	mu     sync.Mutex
	frames [][]int16
	done   chan struct{}
}

func newFakeDevice(frames ...[]int16) *fakeDevice {
	return &fakeDevice{frames: frames, done: make(chan struct{})}
}

func (d *fakeDevice) ReadFrame(pcm []int16) error {
	d.mu.Lock()
	if len(d.frames) > 0 {
		copy(pcm, d.frames[0])
		d.frames = d.frames[1:]
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	<-d.done
	return io.EOF
}

func (d *fakeDevice) Close() error {
	close(d.done)
	return nil
}

func loudFrame() []int16 {
	pcm := make([]int16, audio.FrameSamples)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(float64(i)/10))
	}
	return pcm
}

func quietFrame() []int16 {
	return make([]int16, audio.FrameSamples)
}

// runPipeline drives the pipeline until its device runs dry, then shuts it
// down and returns collected frames.
func runPipeline(t *testing.T, p *Pipeline, dev *fakeDevice) []Frame {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	var frames []Frame
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case f := <-p.Frames():
			frames = append(frames, f)
		case <-time.After(50 * time.Millisecond):
			break collect
		case <-timeout:
			t.Fatal("pipeline did not drain in time")
		}
	}

	dev.Close()
	require.Error(t, <-done) // device EOF after close
	return frames
}

func TestVoiceActivationTransmitsSpeechOnly(t *testing.T) {
	dev := newFakeDevice(quietFrame(), loudFrame(), loudFrame())
	p, err := NewPipeline(Config{
		Device:         dev,
		Mode:           ModeVoiceActivation,
		HangoverFrames: 1,
	})
	require.NoError(t, err)

	frames := runPipeline(t, p, dev)
	require.Len(t, frames, 2, "quiet leading frame must be gated")
	assert.Equal(t, uint32(0), frames[0].Seq)
	assert.Equal(t, uint32(1), frames[1].Seq)

	stats := p.Statistics()
	assert.Equal(t, uint64(3), stats.Captured)
	assert.Equal(t, uint64(1), stats.Gated)
	assert.Equal(t, uint64(2), stats.Sent)
}

func TestHangoverKeepsTailFrames(t *testing.T) {
	dev := newFakeDevice(loudFrame(), quietFrame(), quietFrame(), quietFrame())
	p, err := NewPipeline(Config{
		Device:         dev,
		Mode:           ModeVoiceActivation,
		HangoverFrames: 2,
	})
	require.NoError(t, err)

	frames := runPipeline(t, p, dev)
	// Speech frame plus two hangover frames; the last quiet frame is gated.
	assert.Len(t, frames, 3)
}

func TestPushToTalkGate(t *testing.T) {
	dev := newFakeDevice(loudFrame())
	p, err := NewPipeline(Config{Device: dev, Mode: ModePushToTalk})
	require.NoError(t, err)

	// Key not held: even loud audio stays local.
	frames := runPipeline(t, p, dev)
	assert.Empty(t, frames)
	assert.Equal(t, uint64(1), p.Statistics().Gated)
}

func TestPushToTalkHeldTransmitsSilence(t *testing.T) {
	dev := newFakeDevice(quietFrame(), quietFrame())
	p, err := NewPipeline(Config{Device: dev, Mode: ModePushToTalk})
	require.NoError(t, err)
	p.SetPushToTalk(true)

	frames := runPipeline(t, p, dev)
	assert.Len(t, frames, 2, "push-to-talk transmits regardless of energy")
}

func TestSequenceAndTimestampAdvance(t *testing.T) {
	dev := newFakeDevice(loudFrame(), quietFrame(), loudFrame())
	p, err := NewPipeline(Config{
		Device:         dev,
		Mode:           ModePushToTalk,
		HangoverFrames: 1,
	})
	require.NoError(t, err)
	p.SetPushToTalk(true)

	frames := runPipeline(t, p, dev)
	require.Len(t, frames, 3)

	// Sequence is strictly increasing by one per transmitted frame;
	// timestamps advance by the frame duration including gated time.
	assert.Equal(t, uint32(0), frames[0].Seq)
	assert.Equal(t, uint32(1), frames[1].Seq)
	assert.Equal(t, uint32(2), frames[2].Seq)
	assert.Equal(t, uint32(0), frames[0].TimestampMs)
	assert.Equal(t, uint32(20), frames[1].TimestampMs)
	assert.Equal(t, uint32(40), frames[2].TimestampMs)
}

func TestTalkingCallback(t *testing.T) {
	dev := newFakeDevice(loudFrame(), quietFrame(), quietFrame())

	var mu sync.Mutex
	var changes []bool
	p, err := NewPipeline(Config{
		Device:         dev,
		Mode:           ModeVoiceActivation,
		HangoverFrames: 1,
		TalkingChanged: func(on bool) {
			mu.Lock()
			changes = append(changes, on)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	runPipeline(t, p, dev)

	mu.Lock()
	defer mu.Unlock()
	// Opened on speech, closed when the hangover expired (or on shutdown).
	require.NotEmpty(t, changes)
	assert.True(t, changes[0])
	assert.False(t, changes[len(changes)-1])
	assert.False(t, p.Talking())
}

func TestQueueFullDropsInsteadOfBlocking(t *testing.T) {
	frames := make([][]int16, 6)
	for i := range frames {
		frames[i] = loudFrame()
	}
	dev := newFakeDevice(frames...)

	p, err := NewPipeline(Config{
		Device:    dev,
		Mode:      ModePushToTalk,
		QueueSize: 2,
	})
	require.NoError(t, err)
	p.SetPushToTalk(true)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Nobody consumes the queue; the loop must still finish all reads.
	require.Eventually(t, func() bool {
		return p.Statistics().Captured == 6
	}, 2*time.Second, 10*time.Millisecond)

	dev.Close()
	<-done

	stats := p.Statistics()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(4), stats.Dropped)
}

func TestMicGainClamps(t *testing.T) {
	pcm := []int16{1000, -1000, math.MaxInt16, math.MinInt16}
	applyGain(pcm, 2.0)
	assert.Equal(t, []int16{2000, -2000, math.MaxInt16, math.MinInt16}, pcm)
}

func TestNewPipelineRequiresDevice(t *testing.T) {
	_, err := NewPipeline(Config{})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestDeviceFailureSurfaces(t *testing.T) {
	dev := newFakeDevice()
	p, err := NewPipeline(Config{Device: dev, Mode: ModePushToTalk})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	dev.Close()
	runErr := <-done
	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, io.EOF))
}
